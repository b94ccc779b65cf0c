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
	"database/sql/driver"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/inkwellhq/inkwell/model"
)

func pendingOperationRows(rows ...[]driverValue) *sqlmock.Rows {
	r := sqlmock.NewRows([]string{"operation_id", "key", "op_type", "payload", "status", "retry_count", "max_retries", "next_retry_at", "last_error", "created_at", "updated_at"})
	for _, row := range rows {
		r.AddRow(row...)
	}
	return r
}

type driverValue = driver.Value

func TestCreateLedgerAccount_SyncSuccess(t *testing.T) {
	l, mock := newTestInkwell(t)

	httpmock.RegisterResponder("POST", testLedgerURL+"/accounts",
		httpmock.NewStringResponder(http.StatusCreated, `{"user_id":"usr_1"}`))

	op, err := l.CreateLedgerAccount(context.Background(), "usr_1", "pro")
	assert.NoError(t, err)
	assert.Nil(t, op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateLedgerAccount_DefersWhenLedgerDown(t *testing.T) {
	l, mock := newTestInkwell(t)

	httpmock.RegisterResponder("POST", testLedgerURL+"/accounts",
		httpmock.NewErrorResponder(assert.AnError))

	mock.ExpectExec("INSERT INTO inkwell.pending_operations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	op, err := l.CreateLedgerAccount(context.Background(), "usr_1", "pro")
	assert.NoError(t, err)
	assert.Equal(t, "create_account:usr_1", op.Key)
	assert.Equal(t, model.PendingStatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	// First retry lands one base delay out.
	assert.WithinDuration(t, time.Now().Add(30*time.Second), op.NextRetryAt, 2*time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCapture_BuildsDurableOperation(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectExec("INSERT INTO inkwell.pending_operations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	op, err := l.EnqueueCapture(context.Background(), "rsv_1", decimal.NewFromInt(80))
	assert.NoError(t, err)
	assert.Equal(t, "capture:rsv_1", op.Key)
	assert.Equal(t, model.OpCapture, op.OpType)
	assert.Contains(t, op.OperationID, "pop_")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueCapture_DuplicateKeyReturnsQueuedRow(t *testing.T) {
	l, mock := newTestInkwell(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO inkwell.pending_operations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM inkwell.pending_operations").
		WillReturnRows(pendingOperationRows(
			[]driverValue{"pop_1", "capture:rsv_1", model.OpCapture, []byte(`{"reservation_id":"rsv_1","actual_cost":"75"}`), model.PendingStatusPending, 1, 5, now, "", now, now},
		))

	// The re-enqueue carries a different amount; the already-queued row wins.
	op, err := l.EnqueueCapture(context.Background(), "rsv_1", decimal.NewFromInt(80))
	assert.NoError(t, err)
	assert.Equal(t, "pop_1", op.OperationID)
	assert.JSONEq(t, `{"reservation_id":"rsv_1","actual_cost":"75"}`, string(op.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainRetryQueue_SucceededAndPermanentlyFailed(t *testing.T) {
	l, mock := newTestInkwell(t)
	now := time.Now()

	// One account creation that will succeed, one capture out of budget.
	claimed := pendingOperationRows(
		[]driverValue{"pop_1", "create_account:usr_1", model.OpCreateAccount, []byte(`{"user_id":"usr_1","tier":"pro"}`), model.PendingStatusRetrying, 1, 5, now, "", now, now},
		[]driverValue{"pop_2", "capture:rsv_9", model.OpCapture, []byte(`{"reservation_id":"rsv_9","actual_cost":"80"}`), model.PendingStatusRetrying, 5, 5, now, "timeout", now, now},
	)
	mock.ExpectQuery("UPDATE inkwell.pending_operations").
		WillReturnRows(claimed)

	httpmock.RegisterResponder("POST", testLedgerURL+"/accounts",
		httpmock.NewStringResponder(http.StatusCreated, `{}`))
	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		httpmock.NewErrorResponder(assert.AnError))

	// pop_1 completed, pop_2 terminalized.
	mock.ExpectExec("UPDATE inkwell.pending_operations").
		WithArgs("pop_1", model.PendingStatusCompleted, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inkwell.pending_operations").
		WithArgs("pop_2", model.PendingStatusFailedPermanent, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := l.DrainRetryQueue(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 2, Succeeded: 1, Failed: 0, PermanentlyFailed: 1}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainRetryQueue_ReschedulesOnDoublingBackoff(t *testing.T) {
	l, mock := newTestInkwell(t)
	now := time.Now()

	claimed := pendingOperationRows(
		[]driverValue{"pop_1", "create_account:usr_1", model.OpCreateAccount, []byte(`{"user_id":"usr_1","tier":"pro"}`), model.PendingStatusRetrying, 2, 5, now, "timeout", now, now},
	)
	mock.ExpectQuery("UPDATE inkwell.pending_operations").
		WillReturnRows(claimed)

	httpmock.RegisterResponder("POST", testLedgerURL+"/accounts",
		httpmock.NewErrorResponder(assert.AnError))

	// retry_count 2 failed, so the row is rescheduled as attempt 3.
	mock.ExpectExec("UPDATE inkwell.pending_operations").
		WithArgs("pop_1", model.PendingStatusPending, 3, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := l.DrainRetryQueue(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 1, Succeeded: 0, Failed: 1, PermanentlyFailed: 0}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainRetryQueue_CaptureRedrivenAndRecordedLocally(t *testing.T) {
	l, mock := newTestInkwell(t)
	now := time.Now()

	claimed := pendingOperationRows(
		[]driverValue{"pop_1", "capture:rsv_1", model.OpCapture, []byte(`{"reservation_id":"rsv_1","actual_cost":"80"}`), model.PendingStatusRetrying, 2, 5, now, "timeout", now, now},
	)
	mock.ExpectQuery("UPDATE inkwell.pending_operations").
		WillReturnRows(claimed)

	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		httpmock.NewStringResponder(http.StatusOK, `{"reservation_id":"rsv_1","charged":"80"}`))

	// The local row flips to CAPTURED, then the operation is completed.
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inkwell.pending_operations").
		WithArgs("pop_1", model.PendingStatusCompleted, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := l.DrainRetryQueue(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 1, Succeeded: 1, Failed: 0, PermanentlyFailed: 0}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainRetryQueue_NothingReady(t *testing.T) {
	l, mock := newTestInkwell(t)

	mock.ExpectQuery("UPDATE inkwell.pending_operations").
		WillReturnRows(pendingOperationRows())

	result, err := l.DrainRetryQueue(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, DrainResult{}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}
