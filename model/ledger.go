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

import "github.com/shopspring/decimal"

// LedgerAccount mirrors the account held by the external ledger service. It is
// referenced for reconciliation only; balances are mutated solely through the
// reserve/capture/release endpoints.
type LedgerAccount struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Tier    string          `json:"tier"`
}

// ReserveRequest is the payload for POST /reserve on the ledger service.
type ReserveRequest struct {
	UserID        string          `json:"user_id"`
	ReservationID string          `json:"reservation_id"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// ReserveResponse is the ledger's reply to a reserve call.
type ReserveResponse struct {
	ReservationID string          `json:"reservation_id"`
	Balance       decimal.Decimal `json:"balance"`
}

// CaptureRequest is the payload for POST /capture on the ledger service.
type CaptureRequest struct {
	ReservationID string          `json:"reservation_id"`
	ActualCost    decimal.Decimal `json:"actual_cost"`
}

// CaptureResponse is the ledger's reply to a capture call.
type CaptureResponse struct {
	ReservationID string          `json:"reservation_id"`
	Charged       decimal.Decimal `json:"charged"`
}

// ReleaseRequest is the payload for POST /release on the ledger service.
type ReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
}

// ReleaseResponse is the ledger's reply to a release call.
type ReleaseResponse struct {
	ReservationID string `json:"reservation_id"`
}

// CreateAccountRequest is the payload for POST /accounts on the ledger
// service, used when provisioning a newly registered user.
type CreateAccountRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// LedgerReservation is the ledger's view of a hold, fetched during the
// reconciliation sweep as ground truth for ambiguous local rows.
type LedgerReservation struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
}
