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

package model

import (
	"encoding/json"
	"time"
)

const (
	// PendingStatusPending marks an operation waiting for its next attempt.
	PendingStatusPending = "PENDING"
	// PendingStatusRetrying marks an operation claimed by a worker. The claim is
	// a conditional update, so two workers can never drive the same row.
	PendingStatusRetrying = "RETRYING"
	// PendingStatusCompleted marks a successfully re-driven operation. Terminal.
	PendingStatusCompleted = "COMPLETED"
	// PendingStatusFailedPermanent marks an operation whose retry budget is
	// exhausted. Terminal, and surfaced to operators.
	PendingStatusFailedPermanent = "FAILED_PERMANENT"
)

const (
	// OpCreateAccount provisions a ledger account for a newly registered user.
	OpCreateAccount = "create_account"
	// OpCapture re-drives a capture whose synchronous attempt failed after the
	// gated work had already completed.
	OpCapture = "capture"
)

// DefaultRetryBase is the delay before the first retry. Subsequent delays
// double per attempt: 30s, 60s, 2m, 4m, ...
const DefaultRetryBase = 30 * time.Second

// DefaultMaxRetries bounds the retry budget of a pending operation.
const DefaultMaxRetries = 5

// PendingOperation is a durable record of work that could not complete
// synchronously against a downstream service. It is keyed by the business
// identity of the operation (user ID for account creation, reservation ID for
// captures), so a duplicate enqueue of the same work is detectable.
type PendingOperation struct {
	OperationID string          `json:"operation_id"`
	Key         string          `json:"key"`
	OpType      string          `json:"op_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the operation will never be retried again.
func (p *PendingOperation) IsTerminal() bool {
	return p.Status == PendingStatusCompleted || p.Status == PendingStatusFailedPermanent
}

// NextRetryDelay computes the exponential backoff delay for a row whose
// retry_count is the given value: base * 2^(retryCount-1). With the default
// base this yields 30s, 60s, 2m, 4m, 8m for retry_count 1..5.
func NextRetryDelay(base time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
	}
	return delay
}
