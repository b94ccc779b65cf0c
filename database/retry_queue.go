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
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/inkwellhq/inkwell/internal/apierror"
	"github.com/inkwellhq/inkwell/model"
)

// EnqueuePendingOperation inserts a durable pending operation. Enqueueing the
// same business key twice is a no-op: the existing row is returned unchanged,
// so callers can enqueue blindly after a downstream failure.
func (d Datasource) EnqueuePendingOperation(ctx context.Context, op *model.PendingOperation) (*model.PendingOperation, error) {
	ctx, span := otel.Tracer("retryqueue.database").Start(ctx, "Enqueueing pending operation")
	defer span.End()

	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO inkwell.pending_operations(operation_id,key,op_type,payload,status,retry_count,max_retries,next_retry_at,last_error,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (key) DO NOTHING
	`, op.OperationID, op.Key, op.OpType, []byte(op.Payload), op.Status, op.RetryCount, op.MaxRetries, op.NextRetryAt, op.LastError, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue pending operation", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read enqueue result", err)
	}
	if affected == 0 {
		// Duplicate key: the operation is already queued. Hand back the
		// existing row so the caller sees its real state.
		return d.GetPendingOperationByKey(ctx, op.Key)
	}

	return op, nil
}

// GetPendingOperationByKey retrieves a pending operation by its business key.
func (d Datasource) GetPendingOperationByKey(ctx context.Context, key string) (*model.PendingOperation, error) {
	ctx, span := otel.Tracer("retryqueue.database").Start(ctx, "Fetching pending operation by key")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT operation_id, key, op_type, payload, status, retry_count, max_retries, next_retry_at, last_error, created_at, updated_at
		FROM inkwell.pending_operations
		WHERE key = $1
	`, key)

	return scanPendingOperation(row)
}

// DequeueReadyOperations claims up to limit ready rows, oldest next_retry_at
// first. The claim is a single conditional UPDATE flipping PENDING rows to
// RETRYING, so concurrent workers never drive the same operation twice.
func (d Datasource) DequeueReadyOperations(ctx context.Context, now time.Time, limit int) ([]*model.PendingOperation, error) {
	ctx, span := otel.Tracer("retryqueue.database").Start(ctx, "Claiming ready pending operations")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE inkwell.pending_operations
		SET status = $1, updated_at = $2
		WHERE operation_id IN (
			SELECT operation_id FROM inkwell.pending_operations
			WHERE status = $3 AND next_retry_at <= $2
			ORDER BY next_retry_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING operation_id, key, op_type, payload, status, retry_count, max_retries, next_retry_at, last_error, created_at, updated_at
	`, model.PendingStatusRetrying, now, model.PendingStatusPending, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim pending operations", err)
	}
	defer rows.Close()

	operations := []*model.PendingOperation{}
	for rows.Next() {
		op := model.PendingOperation{}
		var payload []byte
		err := rows.Scan(&op.OperationID, &op.Key, &op.OpType, &payload, &op.Status, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan pending operation", err)
		}
		op.Payload = payload
		operations = append(operations, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over pending operations", err)
	}

	return operations, nil
}

// MarkOperationCompleted terminalizes a successfully re-driven operation.
func (d Datasource) MarkOperationCompleted(ctx context.Context, operationID string) error {
	ctx, span := otel.Tracer("retryqueue.database").Start(ctx, "Completing pending operation")
	defer span.End()

	return d.updateOperationStatus(ctx, operationID, model.PendingStatusCompleted, "")
}

// RescheduleOperation returns a claimed row to PENDING with its bumped retry
// count and next attempt time.
func (d Datasource) RescheduleOperation(ctx context.Context, operationID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	ctx, span := otel.Tracer("retryqueue.database").Start(ctx, "Rescheduling pending operation")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE inkwell.pending_operations
		SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, updated_at = $6
		WHERE operation_id = $1
	`, operationID, model.PendingStatusPending, retryCount, nextRetryAt, lastError, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reschedule pending operation", err)
	}
	return checkAffected(result, operationID)
}

// MarkOperationFailedPermanent terminalizes an operation whose retry budget
// is exhausted. The caller is responsible for the operator alert.
func (d Datasource) MarkOperationFailedPermanent(ctx context.Context, operationID string, lastError string) error {
	ctx, span := otel.Tracer("retryqueue.database").Start(ctx, "Permanently failing pending operation")
	defer span.End()

	return d.updateOperationStatus(ctx, operationID, model.PendingStatusFailedPermanent, lastError)
}

// CountPendingOperations counts rows in the given status.
func (d Datasource) CountPendingOperations(ctx context.Context, status string) (int64, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inkwell.pending_operations WHERE status = $1
	`, status)

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count pending operations", err)
	}
	return count, nil
}

func (d Datasource) updateOperationStatus(ctx context.Context, operationID, status, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE inkwell.pending_operations
		SET status = $2, last_error = $3, updated_at = $4
		WHERE operation_id = $1
	`, operationID, status, lastError, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update pending operation status", err)
	}
	return checkAffected(result, operationID)
}

func checkAffected(result sql.Result, operationID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read update result", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pending operation '%s' not found", operationID), nil)
	}
	return nil
}

func scanPendingOperation(row *sql.Row) (*model.PendingOperation, error) {
	op := &model.PendingOperation{}
	var payload []byte
	err := row.Scan(&op.OperationID, &op.Key, &op.OpType, &payload, &op.Status, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Pending operation not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending operation", err)
	}
	op.Payload = payload
	return op, nil
}
