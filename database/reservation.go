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
	"database/sql"
	"fmt"
	"log"
	"time"

	"context"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/inkwellhq/inkwell/internal/apierror"
	"github.com/inkwellhq/inkwell/model"
)

const reservationCacheTTL = 5 * time.Minute

func reservationCacheKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

// CreateReservation records a new reservation row. The row is written before
// the first remote ledger call, so a hold that never reached the ledger is
// still auditable locally.
func (d Datasource) CreateReservation(ctx context.Context, reservation *model.Reservation) (*model.Reservation, error) {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Saving reservation to db")
	defer span.End()

	reservation.CreatedAt = time.Now()
	reservation.UpdatedAt = reservation.CreatedAt

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO inkwell.reservations(reservation_id,user_id,estimated_cost,actual_cost,status,error_message,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		reservation.ReservationID, reservation.UserID, reservation.EstimatedCost, reservation.ActualCost, reservation.Status, reservation.ErrorMessage, reservation.CreatedAt, reservation.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Reservation with ID '%s' already exists", reservation.ReservationID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record reservation", err)
	}

	return reservation, nil
}

// GetReservation retrieves a reservation by ID, consulting the cache first.
func (d Datasource) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Fetching reservation from db")
	defer span.End()

	var cached model.Reservation
	if d.Cache != nil {
		err := d.Cache.Get(ctx, reservationCacheKey(id), &cached)
		if err == nil && cached.ReservationID != "" {
			return &cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT reservation_id, user_id, estimated_cost, actual_cost, status, error_message, created_at, updated_at
		FROM inkwell.reservations
		WHERE reservation_id = $1
	`, id)

	reservation := &model.Reservation{}
	err := row.Scan(&reservation.ReservationID, &reservation.UserID, &reservation.EstimatedCost, &reservation.ActualCost, &reservation.Status, &reservation.ErrorMessage, &reservation.CreatedAt, &reservation.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Reservation with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reservation", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, reservationCacheKey(id), reservation, reservationCacheTTL); err != nil {
			log.Printf("Failed to cache reservation: %v", err)
		}
	}

	return reservation, nil
}

// UpdateReservationStatus moves a reservation to the given status. Terminal
// rows are never reopened, so the update is conditional on the row still
// being ACTIVE; updating an already-terminal row is reported as a conflict.
func (d Datasource) UpdateReservationStatus(ctx context.Context, id string, status string) error {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Updating reservation status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE inkwell.reservations
		SET status = $2, updated_at = $3
		WHERE reservation_id = $1 AND status = $4
	`, id, status, time.Now(), model.ReservationActive)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update reservation status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read update result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Reservation '%s' is not active", id), nil)
	}

	d.invalidateReservation(ctx, id)
	return nil
}

// CaptureReservationRow marks a reservation captured and records the final
// cost, conditional on the row still being ACTIVE.
func (d Datasource) CaptureReservationRow(ctx context.Context, id string, actualCost decimal.Decimal) error {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Capturing reservation row")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE inkwell.reservations
		SET status = $2, actual_cost = $3, error_message = '', updated_at = $4
		WHERE reservation_id = $1 AND status = $5
	`, id, model.ReservationCaptured, actualCost, time.Now(), model.ReservationActive)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to capture reservation", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read capture result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Reservation '%s' is not active", id), nil)
	}

	d.invalidateReservation(ctx, id)
	return nil
}

// FlagReservation records a downstream failure on the row without changing
// its status, leaving it visible to the reconciliation sweep.
func (d Datasource) FlagReservation(ctx context.Context, id string, errorMessage string) error {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Flagging reservation for reconciliation")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE inkwell.reservations
		SET error_message = $2, updated_at = $3
		WHERE reservation_id = $1
	`, id, errorMessage, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to flag reservation", err)
	}

	d.invalidateReservation(ctx, id)
	return nil
}

// GetActiveReservationsBefore retrieves ACTIVE reservations created before the
// cutoff, oldest first. The reconciliation sweep drives these against ledger
// ground truth.
func (d Datasource) GetActiveReservationsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Reservation, error) {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Fetching stale active reservations")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT reservation_id, user_id, estimated_cost, actual_cost, status, error_message, created_at, updated_at
		FROM inkwell.reservations
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, model.ReservationActive, cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stale reservations", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

// GetReservationsByUser retrieves a user's reservations, newest first.
func (d Datasource) GetReservationsByUser(ctx context.Context, userID string, limit, offset int) ([]*model.Reservation, error) {
	ctx, span := otel.Tracer("reservation.database").Start(ctx, "Fetching reservations by user")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT reservation_id, user_id, estimated_cost, actual_cost, status, error_message, created_at, updated_at
		FROM inkwell.reservations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve user reservations", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

func scanReservations(rows *sql.Rows) ([]*model.Reservation, error) {
	reservations := []*model.Reservation{}
	for rows.Next() {
		reservation := model.Reservation{}
		err := rows.Scan(&reservation.ReservationID, &reservation.UserID, &reservation.EstimatedCost, &reservation.ActualCost, &reservation.Status, &reservation.ErrorMessage, &reservation.CreatedAt, &reservation.UpdatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan reservation data", err)
		}
		reservations = append(reservations, &reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over reservations", err)
	}
	return reservations, nil
}

func (d Datasource) invalidateReservation(ctx context.Context, id string) {
	if d.Cache == nil {
		return
	}
	if err := d.Cache.Delete(ctx, reservationCacheKey(id)); err != nil {
		log.Printf("Failed to invalidate reservation cache: %v", err)
	}
}
