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
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/inkwellhq/inkwell/api/model"
	"github.com/inkwellhq/inkwell/internal/apierror"
)

// respondError writes an error response with the HTTP status mapped from the
// error's code. Plain errors fall back to 500.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		c.JSON(apierror.MapErrorToHTTPStatus(apiErr), apiErr)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// CreateReservation places a hold on a user's credits ahead of an AI
// generation request.
//
// Responses:
// - 400 Bad Request: If there's an error in binding JSON or validating the reservation.
// - 402 Payment Required: If the billing ledger denies the hold.
// - 503 Service Unavailable: If the ledger cannot be reached; no hold is placed.
// - 201 Created: If the hold is successfully placed.
func (a Api) CreateReservation(c *gin.Context) {
	var newReservation model2.CreateReservation
	if err := c.ShouldBindJSON(&newReservation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := newReservation.ValidateCreateReservation()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.inkwell.ReserveCredits(c.Request.Context(), newReservation.UserID, newReservation.Cost())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// CaptureReservation settles a hold at the cost actually consumed. A capture
// that cannot reach the ledger is deferred to the retry queue and still
// succeeds from the caller's point of view.
func (a Api) CaptureReservation(c *gin.Context) {
	id := c.Param("id")

	var capture model2.CaptureReservation
	if err := c.ShouldBindJSON(&capture); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := capture.ValidateCaptureReservation()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.inkwell.CaptureReservation(c.Request.Context(), id, capture.Cost())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ReleaseReservation voids a hold so the user's credits unfreeze.
func (a Api) ReleaseReservation(c *gin.Context) {
	id := c.Param("id")

	resp, err := a.inkwell.ReleaseReservation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetReservation retrieves a reservation by ID.
func (a Api) GetReservation(c *gin.Context) {
	id := c.Param("id")

	reservation, err := a.inkwell.GetReservation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservation)
}

// GetUserReservations lists a user's reservations, newest first. Supports
// limit and offset query parameters.
func (a Api) GetUserReservations(c *gin.Context) {
	userID := c.Param("user_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	reservations, err := a.inkwell.GetUserReservations(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reservations)
}

// CreateAccount provisions a billing account for a newly signed-up user. When
// the ledger is unreachable the provisioning is queued durably and the
// response reports the pending operation.
//
// Responses:
// - 201 Created: The account was created on the ledger.
// - 202 Accepted: The ledger is down; creation was queued for retry.
func (a Api) CreateAccount(c *gin.Context) {
	var newAccount model2.CreateAccount
	if err := c.ShouldBindJSON(&newAccount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := newAccount.ValidateCreateAccount()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	pending, err := a.inkwell.CreateLedgerAccount(c.Request.Context(), newAccount.UserID, newAccount.Tier)
	if err != nil {
		respondError(c, err)
		return
	}
	if pending != nil {
		c.JSON(http.StatusAccepted, pending)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": newAccount.UserID, "tier": newAccount.Tier})
}
