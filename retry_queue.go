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

package inkwell

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/internal/apierror"
	"github.com/inkwellhq/inkwell/internal/notification"
	"github.com/inkwellhq/inkwell/model"
)

// DrainResult summarizes one pass over the durable retry queue.
type DrainResult struct {
	Attempted         int `json:"attempted"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// errPermanent marks an operation outcome that no amount of retrying will
// change, so the row is terminalized regardless of remaining budget.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// EnqueueCapture records a durable capture operation for a reservation whose
// synchronous capture failed transport-side. Enqueueing the same reservation
// twice is a no-op.
func (l *Inkwell) EnqueueCapture(ctx context.Context, reservationID string, actualCost decimal.Decimal) (*model.PendingOperation, error) {
	payload, err := json.Marshal(model.CaptureRequest{ReservationID: reservationID, ActualCost: actualCost})
	if err != nil {
		return nil, err
	}
	return l.enqueueOperation(ctx, fmt.Sprintf("%s:%s", model.OpCapture, reservationID), model.OpCapture, payload)
}

// CreateLedgerAccount provisions a ledger account for a newly registered
// user. The synchronous attempt goes through the resilient client; if the
// ledger is unreachable the payload is queued durably and the worker finishes
// the job later. Registration therefore never fails on ledger downtime.
func (l *Inkwell) CreateLedgerAccount(ctx context.Context, userID, tier string) (*model.PendingOperation, error) {
	ctx, span := tracer.Start(ctx, "CreateLedgerAccount")
	defer span.End()

	result := l.ledger.Post(ctx, "/accounts", model.CreateAccountRequest{UserID: userID, Tier: tier}, nil)
	switch {
	case result.OK(), result.StatusCode == http.StatusConflict:
		// Created, or a previous attempt already landed.
		return nil, nil
	case result.Transient() || result.CircuitOpen():
		span.AddEvent("account creation deferred to retry queue")
		payload, err := json.Marshal(model.CreateAccountRequest{UserID: userID, Tier: tier})
		if err != nil {
			return nil, err
		}
		return l.enqueueOperation(ctx, fmt.Sprintf("%s:%s", model.OpCreateAccount, userID), model.OpCreateAccount, payload)
	default:
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Ledger rejected account creation", result.Err)
	}
}

func (l *Inkwell) enqueueOperation(ctx context.Context, key, opType string, payload json.RawMessage) (*model.PendingOperation, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	op := &model.PendingOperation{
		OperationID: model.GenerateUUIDWithSuffix("pop"),
		Key:         key,
		OpType:      opType,
		Payload:     payload,
		Status:      model.PendingStatusPending,
		RetryCount:  1,
		MaxRetries:  conf.RetryQueue.MaxRetries,
		NextRetryAt: time.Now().Add(conf.RetryBaseDelay()),
	}
	queued, err := l.datasource.EnqueuePendingOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	if queued.OperationID != op.OperationID && model.HashPayload(queued.Payload) != model.HashPayload(payload) {
		// Same business key, different payload. The queued row wins; the
		// mismatch is worth an operator's attention.
		logrus.Warnf("operation %s re-enqueued with a different payload, keeping the queued one", key)
	}
	return queued, nil
}

// DrainRetryQueue claims every ready pending operation and re-drives it.
// Failed attempts are rescheduled on the doubling backoff; operations out of
// budget, or with outcomes retrying cannot change, become FAILED_PERMANENT and
// raise an operator alert.
func (l *Inkwell) DrainRetryQueue(ctx context.Context) (DrainResult, error) {
	ctx, span := tracer.Start(ctx, "DrainRetryQueue")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return DrainResult{}, err
	}

	ready, err := l.datasource.DequeueReadyOperations(ctx, time.Now(), conf.RetryQueue.DrainBatch)
	if err != nil {
		return DrainResult{}, logAndRecordError(span, "error claiming pending operations ", err)
	}

	result := DrainResult{Attempted: len(ready)}
	for _, op := range ready {
		execErr := l.executeOperation(ctx, op)
		if execErr == nil {
			if err := l.datasource.MarkOperationCompleted(ctx, op.OperationID); err != nil {
				logrus.Errorf("operation %s succeeded but completion was not recorded: %v", op.OperationID, err)
			}
			result.Succeeded++
			continue
		}

		var perm errPermanent
		outOfBudget := op.RetryCount >= op.MaxRetries
		if errors.As(execErr, &perm) || outOfBudget {
			if err := l.datasource.MarkOperationFailedPermanent(ctx, op.OperationID, execErr.Error()); err != nil {
				logrus.Errorf("error terminalizing operation %s: %v", op.OperationID, err)
			}
			result.PermanentlyFailed++
			l.alertPermanentFailure(op, execErr)
			continue
		}

		nextCount := op.RetryCount + 1
		nextAt := time.Now().Add(model.NextRetryDelay(conf.RetryBaseDelay(), nextCount))
		if err := l.datasource.RescheduleOperation(ctx, op.OperationID, nextCount, nextAt, execErr.Error()); err != nil {
			logrus.Errorf("error rescheduling operation %s: %v", op.OperationID, err)
		}
		result.Failed++
	}
	return result, nil
}

func (l *Inkwell) executeOperation(ctx context.Context, op *model.PendingOperation) error {
	switch op.OpType {
	case model.OpCreateAccount:
		return l.executeCreateAccount(ctx, op)
	case model.OpCapture:
		return l.executeCapture(ctx, op)
	default:
		return errPermanent{errors.Errorf("unknown operation type %q", op.OpType)}
	}
}

func (l *Inkwell) executeCreateAccount(ctx context.Context, op *model.PendingOperation) error {
	var req model.CreateAccountRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return errPermanent{errors.Wrap(err, "malformed create_account payload")}
	}

	result := l.ledger.Post(ctx, "/accounts", req, nil)
	switch {
	case result.OK(), result.StatusCode == http.StatusConflict:
		return nil
	case result.Transient() || result.CircuitOpen():
		return result.Err
	default:
		return errPermanent{result.Err}
	}
}

func (l *Inkwell) executeCapture(ctx context.Context, op *model.PendingOperation) error {
	var req model.CaptureRequest
	if err := json.Unmarshal(op.Payload, &req); err != nil {
		return errPermanent{errors.Wrap(err, "malformed capture payload")}
	}

	var captureResp model.CaptureResponse
	result := l.ledger.Post(ctx, "/capture", req, &captureResp)
	switch {
	case result.OK(), result.StatusCode == http.StatusConflict:
		if err := l.datasource.CaptureReservationRow(ctx, req.ReservationID, req.ActualCost); err != nil {
			// A conflict means another path already recorded the capture.
			if apiErr, ok := err.(apierror.APIError); ok && apiErr.Code == apierror.ErrConflict {
				return nil
			}
			return err
		}
		return nil
	case result.Transient() || result.CircuitOpen():
		return result.Err
	case result.StatusCode == http.StatusNotFound:
		return errPermanent{errors.Errorf("ledger has no hold for reservation %s", req.ReservationID)}
	default:
		return errPermanent{result.Err}
	}
}

func (l *Inkwell) alertPermanentFailure(op *model.PendingOperation, execErr error) {
	logrus.Errorf("operation %s (%s) permanently failed: %v", op.OperationID, op.OpType, execErr)
	if err := l.SendWebhook(NewWebhook{
		Event: EventRetryFailedPermanent,
		Payload: map[string]interface{}{
			"operation_id": op.OperationID,
			"op_type":      op.OpType,
			"key":          op.Key,
			"retry_count":  op.RetryCount,
			"error":        execErr.Error(),
		},
	}); err != nil {
		notification.NotifyError(err)
	}
	notification.NotifyError(errors.Wrapf(execErr, "retry queue gave up on %s", op.Key))
}
