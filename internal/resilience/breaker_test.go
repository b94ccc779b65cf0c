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

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("ledger", 3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The next call is rejected outright.
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("ledger", 3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, 2, b.FailureCount())

	b.RecordSuccess()
	assert.Equal(t, 0, b.FailureCount())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSingleProbeAfterRecovery(t *testing.T) {
	b := NewBreaker("ledger", 1, 20*time.Millisecond)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(25 * time.Millisecond)

	// Exactly one probe is admitted.
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker("ledger", 1, 20*time.Millisecond)

	b.RecordFailure()
	time.Sleep(25 * time.Millisecond)

	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The recovery timer restarted; the circuit stays open until it elapses
	// again.
	assert.False(t, b.Allow())
	time.Sleep(25 * time.Millisecond)
	assert.True(t, b.Allow())
}

func TestBreakerCancelledProbeFreesTheSlot(t *testing.T) {
	b := NewBreaker("ledger", 1, 20*time.Millisecond)

	b.RecordFailure()
	time.Sleep(25 * time.Millisecond)

	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// The admitted call never reached the network; releasing the slot lets
	// the next call probe instead of being rejected forever.
	b.CancelProbe()
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}
