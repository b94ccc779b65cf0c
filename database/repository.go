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

package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inkwellhq/inkwell/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	reservation  // Interface for reservation-related operations
	pendingQueue // Interface for durable retry-queue operations
}

// reservation defines methods for handling reservation rows.
type reservation interface {
	CreateReservation(ctx context.Context, reservation *model.Reservation) (*model.Reservation, error)                    // Records a new reservation (always before the first remote call)
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)                                            // Retrieves a reservation by ID
	UpdateReservationStatus(ctx context.Context, id string, status string) error                                          // Updates the status of a reservation
	CaptureReservationRow(ctx context.Context, id string, actualCost decimal.Decimal) error                               // Marks a reservation captured with its final cost
	FlagReservation(ctx context.Context, id string, errorMessage string) error                                            // Records a capture/release failure on the row without changing status
	GetActiveReservationsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Reservation, error)           // Retrieves ACTIVE rows older than the cutoff for reconciliation
	GetReservationsByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Reservation, error)            // Retrieves a user's reservations, newest first
}

// pendingQueue defines methods for the durable retry queue.
type pendingQueue interface {
	EnqueuePendingOperation(ctx context.Context, op *model.PendingOperation) (*model.PendingOperation, error) // Inserts a pending operation; duplicate keys are a no-op
	GetPendingOperationByKey(ctx context.Context, key string) (*model.PendingOperation, error)                // Retrieves a pending operation by its business key
	DequeueReadyOperations(ctx context.Context, now time.Time, limit int) ([]*model.PendingOperation, error)  // Claims ready rows (oldest first) by flipping them to RETRYING
	MarkOperationCompleted(ctx context.Context, operationID string) error                                     // Terminalizes a successfully re-driven operation
	RescheduleOperation(ctx context.Context, operationID string, retryCount int, nextRetryAt time.Time, lastError string) error // Returns a claimed row to PENDING with its next attempt time
	MarkOperationFailedPermanent(ctx context.Context, operationID string, lastError string) error             // Terminalizes an operation whose retry budget is exhausted
	CountPendingOperations(ctx context.Context, status string) (int64, error)                                 // Counts rows in a given status, for the operator surface
}
