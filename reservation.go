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
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/inkwellhq/inkwell/internal/apierror"
	redlock "github.com/inkwellhq/inkwell/internal/lock"
	"github.com/inkwellhq/inkwell/internal/notification"
	"github.com/inkwellhq/inkwell/model"
)

var tracer = otel.Tracer("inkwell.reservation")

const reservationLockTTL = time.Minute

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// acquireLock serializes capture/release attempts on a single reservation so
// two callers can never drive the same hold concurrently.
func (l *Inkwell) acquireLock(ctx context.Context, reservationID string) (*redlock.Locker, error) {
	locker := redlock.NewLocker(l.redis, fmt.Sprintf("reservation:%s", reservationID), model.GenerateUUIDWithSuffix("loc"))
	err := locker.Lock(ctx, reservationLockTTL)
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// ReserveCredits places a hold for the user's estimated cost. The local row
// is written before the ledger is called, so every hold attempt is auditable
// even when the ledger never saw it.
//
// Reserve fails closed: any ledger failure denies the request. A transport
// failure leaves the local row ACTIVE and flagged, because the hold may have
// landed ledger-side; the reconciliation sweep resolves it against ground
// truth later.
func (l *Inkwell) ReserveCredits(ctx context.Context, userID string, estimatedCost decimal.Decimal) (*model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "ReserveCredits")
	defer span.End()

	if estimatedCost.LessThanOrEqual(decimal.Zero) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Estimated cost must be positive", nil)
	}

	reservation := &model.Reservation{
		ReservationID: model.GenerateUUIDWithSuffix("rsv"),
		UserID:        userID,
		EstimatedCost: estimatedCost,
		Status:        model.ReservationActive,
	}

	reservation, err := l.datasource.CreateReservation(ctx, reservation)
	if err != nil {
		return nil, logAndRecordError(span, "error recording reservation ", err)
	}

	var reserveResp model.ReserveResponse
	result := l.ledger.Post(ctx, "/reserve", model.ReserveRequest{
		UserID:        userID,
		ReservationID: reservation.ReservationID,
		EstimatedCost: estimatedCost,
	}, &reserveResp)

	switch {
	case result.OK():
		span.AddEvent("hold placed on ledger")
		return reservation, nil
	case result.StatusCode == http.StatusPaymentRequired:
		// The ledger denied the hold outright; the local row is closed out.
		if err := l.datasource.UpdateReservationStatus(ctx, reservation.ReservationID, model.ReservationReleased); err != nil {
			logrus.Errorf("error closing denied reservation %s: %v", reservation.ReservationID, err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInsufficientFunds, fmt.Sprintf("Insufficient credits to reserve %s", estimatedCost), result.Err)
	case result.Transient() || result.CircuitOpen():
		// Ambiguous: the hold may or may not exist ledger-side. Deny the
		// caller, keep the row ACTIVE for the sweep.
		if err := l.datasource.FlagReservation(ctx, reservation.ReservationID, result.Err.Error()); err != nil {
			logrus.Errorf("error flagging reservation %s: %v", reservation.ReservationID, err)
		}
		span.RecordError(result.Err)
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Ledger unavailable, reservation denied", result.Err)
	default:
		if err := l.datasource.UpdateReservationStatus(ctx, reservation.ReservationID, model.ReservationReleased); err != nil {
			logrus.Errorf("error closing rejected reservation %s: %v", reservation.ReservationID, err)
		}
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Ledger rejected reservation", result.Err)
	}
}

// CaptureReservation converts a hold into a final charge for the actual cost.
// Capture is idempotent: a 409 from the ledger means the hold was already
// captured and is treated as success.
//
// A transport failure never blocks the caller. The generation work is done at
// that point, so the row stays ACTIVE, gets flagged, and a durable capture
// operation is enqueued for the retry worker.
func (l *Inkwell) CaptureReservation(ctx context.Context, reservationID string, actualCost decimal.Decimal) (*model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "CaptureReservation")
	defer span.End()

	locker, err := l.acquireLock(ctx, reservationID)
	if err != nil {
		return nil, logAndRecordError(span, "error acquiring reservation lock ", err)
	}
	defer func(locker *redlock.Locker, ctx context.Context) {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Error("error unlocking reservation ", err)
		}
	}(locker, ctx)

	reservation, err := l.datasource.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, logAndRecordError(span, "error fetching reservation ", err)
	}

	switch reservation.Status {
	case model.ReservationCaptured:
		// Already captured; repeating a capture is a no-op.
		return reservation, nil
	case model.ReservationReleased, model.ReservationExpired:
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Reservation '%s' is already %s", reservationID, reservation.Status), nil)
	}

	var captureResp model.CaptureResponse
	result := l.ledger.Post(ctx, "/capture", model.CaptureRequest{
		ReservationID: reservationID,
		ActualCost:    actualCost,
	}, &captureResp)

	switch {
	case result.OK(), result.StatusCode == http.StatusConflict:
		if err := l.datasource.CaptureReservationRow(ctx, reservationID, actualCost); err != nil {
			return nil, logAndRecordError(span, "error recording capture ", err)
		}
		reservation.Status = model.ReservationCaptured
		reservation.ActualCost = actualCost
		return reservation, nil
	case result.Transient() || result.CircuitOpen():
		span.AddEvent("capture deferred to retry queue")
		if err := l.datasource.FlagReservation(ctx, reservationID, fmt.Sprintf("capture failed: %v", result.Err)); err != nil {
			logrus.Errorf("error flagging reservation %s: %v", reservationID, err)
		}
		if _, err := l.EnqueueCapture(ctx, reservationID, actualCost); err != nil {
			notification.NotifyError(err)
			return nil, logAndRecordError(span, "error enqueueing deferred capture ", err)
		}
		reservation.ErrorMessage = fmt.Sprintf("capture failed: %v", result.Err)
		return reservation, nil
	case result.StatusCode == http.StatusNotFound:
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Ledger has no hold for reservation '%s'", reservationID), result.Err)
	default:
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Ledger rejected capture", result.Err)
	}
}

// ReleaseReservation undoes a hold without charging. Release is idempotent: a
// 404 from the ledger means the hold is already gone and is treated as
// success.
func (l *Inkwell) ReleaseReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "ReleaseReservation")
	defer span.End()

	locker, err := l.acquireLock(ctx, reservationID)
	if err != nil {
		return nil, logAndRecordError(span, "error acquiring reservation lock ", err)
	}
	defer func(locker *redlock.Locker, ctx context.Context) {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Error("error unlocking reservation ", err)
		}
	}(locker, ctx)

	reservation, err := l.datasource.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, logAndRecordError(span, "error fetching reservation ", err)
	}

	switch reservation.Status {
	case model.ReservationReleased, model.ReservationExpired:
		// Already gone; repeating a release is a no-op.
		return reservation, nil
	case model.ReservationCaptured:
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Reservation '%s' is already captured", reservationID), nil)
	}

	var releaseResp model.ReleaseResponse
	result := l.ledger.Post(ctx, "/release", model.ReleaseRequest{ReservationID: reservationID}, &releaseResp)

	switch {
	case result.OK(), result.StatusCode == http.StatusNotFound:
		if err := l.datasource.UpdateReservationStatus(ctx, reservationID, model.ReservationReleased); err != nil {
			return nil, logAndRecordError(span, "error recording release ", err)
		}
		reservation.Status = model.ReservationReleased
		return reservation, nil
	case result.Transient() || result.CircuitOpen():
		if err := l.datasource.FlagReservation(ctx, reservationID, fmt.Sprintf("release failed: %v", result.Err)); err != nil {
			logrus.Errorf("error flagging reservation %s: %v", reservationID, err)
		}
		span.RecordError(result.Err)
		return nil, apierror.NewAPIError(apierror.ErrServiceUnavailable, "Ledger unavailable, release deferred to reconciliation", result.Err)
	default:
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "Ledger rejected release", result.Err)
	}
}

// GetReservation retrieves a reservation by ID.
func (l *Inkwell) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "GetReservation")
	defer span.End()

	return l.datasource.GetReservation(ctx, reservationID)
}

// GetUserReservations lists a user's reservations, newest first.
func (l *Inkwell) GetUserReservations(ctx context.Context, userID string, limit, offset int) ([]*model.Reservation, error) {
	ctx, span := tracer.Start(ctx, "GetUserReservations")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	return l.datasource.GetReservationsByUser(ctx, userID, limit, offset)
}

// ReconcileReservations re-drives ACTIVE reservations older than the cutoff
// against ledger ground truth. Holds the ledger never saw are expired; holds
// the ledger still carries are released on both sides and raised to
// operators as orphans. Returns the number of rows resolved.
func (l *Inkwell) ReconcileReservations(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "ReconcileReservations")
	defer span.End()

	cutoff := time.Now().Add(-olderThan)
	stale, err := l.datasource.GetActiveReservationsBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, logAndRecordError(span, "error fetching stale reservations ", err)
	}

	resolved := 0
	for _, reservation := range stale {
		if err := l.reconcileOne(ctx, reservation); err != nil {
			logrus.Errorf("reconciliation of %s skipped: %v", reservation.ReservationID, err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (l *Inkwell) reconcileOne(ctx context.Context, reservation *model.Reservation) error {
	var remote model.LedgerReservation
	result := l.ledger.Get(ctx, fmt.Sprintf("/reservations/%s", reservation.ReservationID), &remote)

	switch {
	case result.StatusCode == http.StatusNotFound:
		// The hold never landed on the ledger. Nothing to undo remotely.
		return l.datasource.UpdateReservationStatus(ctx, reservation.ReservationID, model.ReservationExpired)
	case result.OK():
	default:
		return result.Err
	}

	switch remote.Status {
	case model.ReservationCaptured:
		// The capture landed but the local update did not. Actual cost is
		// unknown locally, so the estimate stands in until billing export.
		return l.datasource.CaptureReservationRow(ctx, reservation.ReservationID, reservation.EstimatedCost)
	case model.ReservationReleased:
		return l.datasource.UpdateReservationStatus(ctx, reservation.ReservationID, model.ReservationReleased)
	case model.ReservationActive:
		// Orphaned hold: nobody captured or released it in time. Release it
		// so the user's credits unfreeze, and tell the operators.
		if _, err := l.ReleaseReservation(ctx, reservation.ReservationID); err != nil {
			return err
		}
		if err := l.SendWebhook(NewWebhook{Event: EventReservationOrphaned, Payload: reservation}); err != nil {
			notification.NotifyError(err)
		}
		return nil
	default:
		return fmt.Errorf("unknown ledger reservation status %q", remote.Status)
	}
}
