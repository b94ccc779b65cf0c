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
	"errors"
	"sync"
	"time"
)

const (
	// StateClosed is normal operation; consecutive failures are counted.
	StateClosed = "CLOSED"
	// StateOpen rejects every call without a network attempt until the
	// recovery timeout elapses.
	StateOpen = "OPEN"
	// StateHalfOpen permits exactly one probe call; its outcome decides the
	// next state.
	StateHalfOpen = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker for
// its dependency is open. It is a distinct error kind so callers can apply an
// explicit fail-open or fail-closed policy instead of treating it like an
// ordinary transport failure.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is a per-dependency failure-tracking state machine. One instance is
// created per downstream service at startup and shared for the process
// lifetime; all state is guarded by its mutex.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu              sync.Mutex
	state           string
	failureCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	probeInFlight   bool
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Allow reports whether a call may proceed. In OPEN state it transitions to
// HALF_OPEN once the recovery timeout has elapsed and admits a single probe;
// further calls are rejected until the probe's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastStateChange) < b.recoveryTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker after a successful call. A successful
// half-open probe closes the circuit and zeroes the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	b.failureCount = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failed call. Reaching the failure threshold in
// CLOSED state, or any failed probe in HALF_OPEN state, opens the circuit and
// restarts the recovery timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// CancelProbe releases an admitted call that never reached the network. A
// failure to even build the request says nothing about the dependency, but
// the probe slot must be freed or a half-open breaker would reject every
// later call.
func (b *Breaker) CancelProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// State returns the breaker's current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) transition(state string) {
	b.state = state
	b.lastStateChange = time.Now()
}
