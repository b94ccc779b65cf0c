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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/inkwellhq/inkwell/internal/request"
)

const (
	// OutcomeOK marks a 2xx response; the response body has been decoded.
	OutcomeOK = "OK"
	// OutcomeRetryable marks a transient failure (timeout, connection error,
	// 5xx or 429) that persisted through the retry budget.
	OutcomeRetryable = "RETRYABLE"
	// OutcomeCircuitOpen marks a call rejected by the breaker with no network
	// attempt made.
	OutcomeCircuitOpen = "CIRCUIT_OPEN"
	// OutcomePermanent marks a non-transient response (4xx other than 429).
	// The status code is preserved so callers can map business semantics:
	// 402 is a denial, 409/404 are idempotent conflicts.
	OutcomePermanent = "PERMANENT"
)

// Result is the tagged outcome of a resilient call. Callers dispatch on
// Outcome (and StatusCode for business semantics) rather than on error types.
type Result struct {
	Outcome    string
	StatusCode int
	Err        error
}

// OK reports whether the call returned a 2xx response.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// CircuitOpen reports whether the call was rejected without a network attempt.
func (r Result) CircuitOpen() bool { return r.Outcome == OutcomeCircuitOpen }

// Transient reports whether the failure may succeed on a later retry.
func (r Result) Transient() bool {
	return r.Outcome == OutcomeRetryable || r.Outcome == OutcomeCircuitOpen
}

// Client wraps JSON-over-HTTP calls to one downstream dependency with a
// circuit breaker and bounded exponential-backoff retries. Construct one per
// dependency at startup and pass it by handle; the breaker state it owns is
// process-wide for that dependency.
type Client struct {
	name       string
	baseURL    string
	secret     string
	breaker    *Breaker
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
}

// ClientOptions tunes a Client's retry policy and transport.
type ClientOptions struct {
	Secret           string
	Timeout          time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// NewClient creates a resilient client for the named dependency rooted at
// baseURL.
func NewClient(name, baseURL string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	return &Client{
		name:       name,
		baseURL:    baseURL,
		secret:     opts.Secret,
		breaker:    NewBreaker(name, opts.FailureThreshold, opts.RecoveryTimeout),
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
	}
}

// Breaker exposes the client's circuit breaker, mainly for status reporting.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// HTTPClient exposes the underlying http.Client so callers can install
// custom transports.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Post sends a JSON payload to path and decodes a 2xx response body into
// response (which may be nil).
func (c *Client) Post(ctx context.Context, path string, payload, response interface{}) Result {
	return c.call(ctx, http.MethodPost, path, payload, response)
}

// Get fetches path and decodes a 2xx response body into response.
func (c *Client) Get(ctx context.Context, path string, response interface{}) Result {
	return c.call(ctx, http.MethodGet, path, nil, response)
}

// Delete issues a DELETE to path. The response body is discarded.
func (c *Client) Delete(ctx context.Context, path string) Result {
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, payload, response interface{}) Result {
	if !c.breaker.Allow() {
		return Result{
			Outcome: OutcomeCircuitOpen,
			Err:     errors.Wrapf(ErrCircuitOpen, "%s: call to %s rejected", c.name, path),
		}
	}

	var statusCode int
	var body []byte

	operation := func() error {
		// The breaker can open mid-loop when this very sequence of attempts
		// crosses the threshold; stop retrying at that point.
		if c.breaker.State() == StateOpen {
			return backoff.Permanent(ErrCircuitOpen)
		}

		req, err := c.newRequest(ctx, method, path, payload)
		if err != nil {
			c.breaker.CancelProbe()
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.breaker.RecordFailure()
			return errors.Wrapf(err, "%s: request to %s failed", c.name, path)
		}
		defer func(rc io.ReadCloser) {
			if cerr := rc.Close(); cerr != nil {
				logrus.Error(cerr)
			}
		}(resp.Body)

		statusCode = resp.StatusCode
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			c.breaker.RecordFailure()
			return errors.Wrapf(err, "%s: reading response from %s failed", c.name, path)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.breaker.RecordFailure()
			return fmt.Errorf("%s: %s returned status %d", c.name, path, resp.StatusCode)
		}

		// Any other response means the dependency is up and answering; 4xx
		// client errors do not count against the breaker.
		c.breaker.RecordSuccess()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return Result{
				Outcome: OutcomeCircuitOpen,
				Err:     errors.Wrapf(ErrCircuitOpen, "%s: call to %s rejected", c.name, path),
			}
		}
		return Result{Outcome: OutcomeRetryable, StatusCode: statusCode, Err: err}
	}

	if statusCode >= 400 {
		return Result{
			Outcome:    OutcomePermanent,
			StatusCode: statusCode,
			Err:        fmt.Errorf("%s: %s returned status %d: %s", c.name, path, statusCode, string(body)),
		}
	}

	if response != nil && len(body) > 0 {
		if err := json.Unmarshal(body, response); err != nil {
			return Result{
				Outcome:    OutcomeRetryable,
				StatusCode: statusCode,
				Err:        errors.Wrapf(err, "%s: decoding response from %s failed", c.name, path),
			}
		}
	}

	return Result{Outcome: OutcomeOK, StatusCode: statusCode}
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if payload != nil {
		buf, err := request.ToJsonReq(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	request.ServiceAuth(req, c.secret)
	return req, nil
}
