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

package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwellhq/inkwell"
	model2 "github.com/inkwellhq/inkwell/api/model"
	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/database"
	"github.com/inkwellhq/inkwell/internal/request"
	"github.com/inkwellhq/inkwell/model"
)

const testLedgerURL = "http://ledger.test"

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		err := json.NewDecoder(resp.Body).Decode(&s.Response)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func setupRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
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

	newInkwell, err := inkwell.NewInkwell(&database.Datasource{Conn: db})
	require.NoError(t, err)

	httpmock.ActivateNonDefault(newInkwell.LedgerClient().HTTPClient())
	httpmock.ActivateNonDefault(newInkwell.SnapshotClient().HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	return NewAPI(newInkwell).Router(), mock
}

func activeReservationRows(id, userID, estimated string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"reservation_id", "user_id", "estimated_cost", "actual_cost", "status", "error_message", "created_at", "updated_at"}).
		AddRow(id, userID, estimated, "0", model.ReservationActive, "", now, now)
}

func TestCreateReservationAPI(t *testing.T) {
	tests := []struct {
		name         string
		payload      model2.CreateReservation
		ledgerStatus int
		ledgerBody   string
		expectedCode int
	}{
		{
			name:         "valid reservation",
			payload:      model2.CreateReservation{UserID: "usr_1", EstimatedCost: 100},
			ledgerStatus: http.StatusOK,
			ledgerBody:   `{"reservation_id":"rsv_x","balance":"400"}`,
			expectedCode: http.StatusCreated,
		},
		{
			name:         "insufficient credits",
			payload:      model2.CreateReservation{UserID: "usr_broke", EstimatedCost: 5000},
			ledgerStatus: http.StatusPaymentRequired,
			ledgerBody:   `{"error":"insufficient credits"}`,
			expectedCode: http.StatusPaymentRequired,
		},
		{
			name:         "missing user",
			payload:      model2.CreateReservation{EstimatedCost: 100},
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, mock := setupRouter(t)

			if tt.ledgerStatus != 0 {
				mock.ExpectExec("INSERT INTO inkwell.reservations").
					WillReturnResult(sqlmock.NewResult(1, 1))
				if tt.ledgerStatus != http.StatusOK {
					mock.ExpectExec("UPDATE inkwell.reservations").
						WillReturnResult(sqlmock.NewResult(0, 1))
				}
				httpmock.RegisterResponder("POST", testLedgerURL+"/reserve",
					httpmock.NewStringResponder(tt.ledgerStatus, tt.ledgerBody))
			}

			payloadBytes, _ := request.ToJsonReq(&tt.payload)
			var response map[string]interface{}
			testRequest := TestRequest{
				Payload:  payloadBytes,
				Response: &response,
				Method:   "POST",
				Route:    "/reservations",
				Router:   router,
			}

			resp, err := SetUpTestRequest(testRequest)
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.Code)

			if tt.expectedCode == http.StatusCreated {
				assert.Contains(t, response["reservation_id"], "rsv_")
				assert.Equal(t, string(model.ReservationActive), response["status"])
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCaptureReservationAPI(t *testing.T) {
	router, mock := setupRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM inkwell.reservations").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))
	mock.ExpectExec("UPDATE inkwell.reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	httpmock.RegisterResponder("POST", testLedgerURL+"/capture",
		httpmock.NewStringResponder(http.StatusOK, `{"reservation_id":"rsv_1"}`))

	payloadBytes, _ := request.ToJsonReq(&model2.CaptureReservation{ActualCost: 80})
	var response model.Reservation
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  payloadBytes,
		Response: &response,
		Method:   "POST",
		Route:    "/reservations/rsv_1/capture",
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.ReservationCaptured, response.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseReservationAPI_AlreadyCapturedConflicts(t *testing.T) {
	router, mock := setupRouter(t)

	now := time.Now()
	capturedRows := sqlmock.NewRows([]string{"reservation_id", "user_id", "estimated_cost", "actual_cost", "status", "error_message", "created_at", "updated_at"}).
		AddRow("rsv_1", "usr_1", "100", "80", model.ReservationCaptured, "", now, now)
	mock.ExpectQuery("SELECT (.+) FROM inkwell.reservations").
		WillReturnRows(capturedRows)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "POST",
		Route:    "/reservations/rsv_1/release",
		Response: &response,
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReservationAPI_NotFound(t *testing.T) {
	router, mock := setupRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM inkwell.reservations").
		WillReturnError(sql.ErrNoRows)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "GET",
		Route:    "/reservations/rsv_missing",
		Response: &response,
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserReservationsAPI(t *testing.T) {
	router, mock := setupRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM inkwell.reservations").
		WillReturnRows(activeReservationRows("rsv_1", "usr_1", "100"))

	var response []model.Reservation
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "GET",
		Route:    "/users/usr_1/reservations?limit=10",
		Response: &response,
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, response, 1)
	assert.Equal(t, "rsv_1", response[0].ReservationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAccountAPI_DeferredWhenLedgerDown(t *testing.T) {
	router, mock := setupRouter(t)

	httpmock.RegisterResponder("POST", testLedgerURL+"/accounts",
		httpmock.NewErrorResponder(assert.AnError))
	mock.ExpectExec("INSERT INTO inkwell.pending_operations").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payloadBytes, _ := request.ToJsonReq(&model2.CreateAccount{UserID: "usr_1", Tier: "pro"})
	var response model.PendingOperation
	resp, err := SetUpTestRequest(TestRequest{
		Payload:  payloadBytes,
		Response: &response,
		Method:   "POST",
		Route:    "/accounts",
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, "create_account:usr_1", response.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainRetryQueueAPI_NothingReady(t *testing.T) {
	router, mock := setupRouter(t)

	mock.ExpectQuery("UPDATE inkwell.pending_operations").
		WillReturnRows(sqlmock.NewRows([]string{"operation_id", "key", "op_type", "payload", "status", "retry_count", "max_retries", "next_retry_at", "last_error", "created_at", "updated_at"}))

	var response inkwell.DrainResult
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "POST",
		Route:    "/workers/drain-retry-queue",
		Response: &response,
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 0, response.Attempted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	var response map[string]interface{}
	resp, err := SetUpTestRequest(TestRequest{
		Method:   "GET",
		Route:    "/",
		Response: &response,
		Router:   router,
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "CLOSED", response["ledger_breaker"])
}
