/*
Copyright 2025 Inkwell Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// ReservationActive marks a hold that has been recorded locally and (once the
	// ledger call succeeds) placed against the user's balance, but not yet
	// converted to a charge or undone.
	ReservationActive = "ACTIVE"
	// ReservationCaptured marks a hold that has been converted to a final charge.
	ReservationCaptured = "CAPTURED"
	// ReservationReleased marks a hold that was undone without charging.
	ReservationReleased = "RELEASED"
	// ReservationExpired marks a hold that aged out without ever taking effect
	// on the ledger, discovered by the reconciliation sweep.
	ReservationExpired = "EXPIRED"
)

// Reservation is the local record of a balance hold placed against the ledger
// service. A row is written before the first remote call, so a reservation
// that never reached the ledger is still auditable. CAPTURED, RELEASED and
// EXPIRED are terminal and never reopened.
type Reservation struct {
	ReservationID string          `json:"reservation_id"`
	UserID        string          `json:"user_id"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	ActualCost    decimal.Decimal `json:"actual_cost"`
	Status        string          `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the reservation has reached a final state.
func (r *Reservation) IsTerminal() bool {
	switch r.Status {
	case ReservationCaptured, ReservationReleased, ReservationExpired:
		return true
	}
	return false
}
