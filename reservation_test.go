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
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/database"
	"github.com/inkwellhq/inkwell/internal/apierror"
	"github.com/inkwellhq/inkwell/model"
)

const testLedgerURL = "http://ledger.test"

func newTestInkwell(t *testing.T) (*Inkwell, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)

	cnf := &config.Configuration{}
	cnf.Redis.Dns = mr.Addr()
	cnf.Ledger.Url = testLedgerURL
	cnf.Ledger.SecretKey = "test-secret"
	cnf.Ledger.MaxRetries = 2
	cnf.Ledger.RetryBaseMs = 1
	cnf.Ledger.FailureThreshold = 10
	cnf.Ledger.RecoveryTimeSec = 1
	cnf.Snapshot.Url = "http://snapshot.test"
	config.MockConfig(cnf)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewInkwell(&database.Datasource{Conn: db})
	require.NoError(t, err)

	httpmock.ActivateNonDefault(l.ledger.HTTPClient())
	httpmock.ActivateNonDefault(l.snapshot.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	return l, mock
}

func activeReservationRows(id, userID, estimated string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"reservation_id", "user_id", "estimated_cost", "actual_cost", "status", "error_message", "created_at", "updated_at"}).
		AddRow(id, userID, estimated, "0", model.ReservationActive, "", now, now)
}

func TestReserveCredits_Success(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectExec("INSERT INTO inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/reserve",
		httpmock.NewStringResponder(http.StatusOK, `{"reservation_id":"rsv_x","balance":"400"}`))

	reservation, err := l.ReserveCredits(context.Background(), "usr_1", decimal.NewFromInt(100))
	assert.NoError(t, err)
	assert.Contains(t, reservation.ReservationID, "rsv_")
	assert.Equal(t, model.ReservationActive, reservation.Status)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCredits_InsufficientFundsDenied(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectExec("INSERT INTO inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The denied hold is closed out locally.
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/reserve",
		httpmock.NewStringResponder(http.StatusPaymentRequired, `{"error":"insufficient credits"}`))

	_, err := l.ReserveCredits(context.Background(), "usr_broke", decimal.NewFromInt(5000))
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInsufficientFunds, apiErr.Code)
	// A business denial is not retried.
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCredits_LedgerDownFailsClosed(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectExec("INSERT INTO inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The ambiguous row stays ACTIVE but is flagged for the sweep.
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/reserve",
		httpmock.NewErrorResponder(assert.AnError))

	_, err := l.ReserveCredits(context.Background(), "usr_1", decimal.NewFromInt(100))
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrServiceUnavailable, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCredits_RejectsNonPositiveCost(t *testing.T) {
	l, _ := newTestInkwell(t)

	_, err := l.ReserveCredits(context.Background(), "usr_1", decimal.Zero)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidInput, apiErr.Code)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestCaptureReservation_Success(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		httpmock.NewStringResponder(http.StatusOK, `{"reservation_id":"rsv_1","charged":"80"}`))

	reservation, err := l.CaptureReservation(context.Background(), "rsv_1", decimal.NewFromInt(80))
	assert.NoError(t, err)
	assert.Equal(t, model.ReservationCaptured, reservation.Status)
	assert.True(t, reservation.ActualCost.Equal(decimal.NewFromInt(80)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptureReservation_AlreadyCapturedIsNoOp(t *testing.T) {
	l, mock := newTestInkwell(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"reservation_id", "user_id", "estimated_cost", "actual_cost", "status", "error_message", "created_at", "updated_at"}).
		AddRow("rsv_1", "usr_1", "100", "80", model.ReservationCaptured, "", now, now)
	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(rows)

	reservation, err := l.CaptureReservation(context.Background(), "rsv_1", decimal.NewFromInt(80))
	assert.NoError(t, err)
	assert.Equal(t, model.ReservationCaptured, reservation.Status)
	// The ledger is never called for an already-captured hold.
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptureReservation_LedgerConflictIsSuccess(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		httpmock.NewStringResponder(http.StatusConflict, `{"error":"already captured"}`))

	reservation, err := l.CaptureReservation(context.Background(), "rsv_1", decimal.NewFromInt(80))
	assert.NoError(t, err)
	assert.Equal(t, model.ReservationCaptured, reservation.Status)
	// 409 is accepted on the first call, no retries.
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptureReservation_FlakyLedgerEventuallySucceeds(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	calls := 0
	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls <= 2 {
				return nil, assert.AnError
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"reservation_id":"rsv_1","charged":"80"}`), nil
		})

	reservation, err := l.CaptureReservation(context.Background(), "rsv_1", decimal.NewFromInt(80))
	assert.NoError(t, err)
	assert.Equal(t, model.ReservationCaptured, reservation.Status)
	assert.Equal(t, 3, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCaptureReservation_TransportFailureDefersToRetryQueue(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))
	// Row is flagged, then a durable capture operation is enqueued.
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO inkwell.pending_operations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		httpmock.NewErrorResponder(assert.AnError))

	reservation, err := l.CaptureReservation(context.Background(), "rsv_1", decimal.NewFromInt(80))
	// The caller is never blocked: the work is done, the charge is deferred.
	assert.NoError(t, err)
	assert.Equal(t, model.ReservationActive, reservation.Status)
	assert.Contains(t, reservation.ErrorMessage, "capture failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseReservation_Gone404IsSuccess(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/release",
		httpmock.NewStringResponder(http.StatusNotFound, `{"error":"no such hold"}`))

	reservation, err := l.ReleaseReservation(context.Background(), "rsv_1")
	assert.NoError(t, err)
	assert.Equal(t, model.ReservationReleased, reservation.Status)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseReservation_AlreadyCapturedConflicts(t *testing.T) {
	l, mock := newTestInkwell(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"reservation_id", "user_id", "estimated_cost", "actual_cost", "status", "error_message", "created_at", "updated_at"}).
		AddRow("rsv_1", "usr_1", "100", "80", model.ReservationCaptured, "", now, now)
	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_1").
		WillReturnRows(rows)

	_, err := l.ReleaseReservation(context.Background(), "rsv_1")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileReservations_ExpiresHoldsLedgerNeverSaw(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WillReturnRows(activeReservationRows("rsv_old", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("GET", testLedgerURL+"/reservations/rsv_old",
		httpmock.NewStringResponder(http.StatusNotFound, `{"error":"not found"}`))

	resolved, err := l.ReconcileReservations(context.Background(), 10*time.Minute, 100)
	assert.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileReservations_ReleasesOrphanedHolds(t *testing.T) {
	l, mock := newTestInkwell(t)

	// Sweep query, then the release path re-reads the row before calling out.
	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WillReturnRows(activeReservationRows("rsv_orphan", "usr_1", "100"))
	mock.ExpectQuery("SELECT reservation_id, user_id, estimated_cost").
		WithArgs("rsv_orphan").
		WillReturnRows(activeReservationRows("rsv_orphan", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("GET", testLedgerURL+"/reservations/rsv_orphan",
		httpmock.NewStringResponder(http.StatusOK, `{"reservation_id":"rsv_orphan","status":"ACTIVE"}`))
	httpmock.RegisterResponder("POST", testLedgerURL+"/release",
		httpmock.NewStringResponder(http.StatusOK, `{"reservation_id":"rsv_orphan"}`))

	resolved, err := l.ReconcileReservations(context.Background(), 10*time.Minute, 100)
	assert.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
