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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// DrainRetryQueue runs one drain pass over the pending-operation queue and
// reports the attempt counts. Safe to call repeatedly; the queue claims rows
// atomically so concurrent drains never double-execute an operation.
func (a Api) DrainRetryQueue(c *gin.Context) {
	result, err := a.inkwell.DrainRetryQueue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReconcileReservations sweeps ACTIVE reservations older than the given age
// (query parameter older_than_sec, default one hour) against ledger ground
// truth.
func (a Api) ReconcileReservations(c *gin.Context) {
	olderThanSec, err := strconv.Atoi(c.DefaultQuery("older_than_sec", "3600"))
	if err != nil || olderThanSec < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "older_than_sec must be a non-negative integer"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	resolved, err := a.inkwell.ReconcileReservations(c.Request.Context(), time.Duration(olderThanSec)*time.Second, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}
