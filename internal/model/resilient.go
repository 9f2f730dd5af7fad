package model

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	breakerFailureThreshold = 5
	breakerWindow           = 5 * time.Minute
	breakerHalfOpenAfter    = 60 * time.Second

	retryMaxAttempts = 3
	retryBaseDelay   = 1 * time.Second
	retryMaxDelay    = 30 * time.Second
)

// Resilient wraps a Model with a circuit breaker and retries.
//
// Transient upstream failures (5xx, rate limits, network errors) are retried
// with exponential backoff and jitter; permanent request errors are returned
// immediately and do not count against the breaker. When the breaker is open
// calls short-circuit with ErrBreakerOpen.
type Resilient struct {
	inner   Model
	breaker *gobreaker.CircuitBreaker

	// retry timing, overridable in tests
	retryBase time.Duration
	retryMax  time.Duration
}

// ErrBreakerOpen is returned while the circuit breaker is short-circuiting calls.
var ErrBreakerOpen = errors.New("model circuit breaker open")

// BreakerMetrics is a snapshot of circuit breaker state for observability.
type BreakerMetrics struct {
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// NewResilient wraps inner with the standard breaker and retry policy.
func NewResilient(name string, inner Model) *Resilient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerWindow,
		Timeout:     breakerHalfOpenAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= breakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// permanent request errors are the caller's problem, not the upstream's
			return err == nil || isPermanent(err)
		},
	})
	return &Resilient{
		inner:     inner,
		breaker:   cb,
		retryBase: retryBaseDelay,
		retryMax:  retryMaxDelay,
	}
}

// Generate implements Model.
func (r *Resilient) Generate(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response

	op := func() error {
		out, err := r.breaker.Execute(func() (any, error) {
			return r.inner.Generate(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrBreakerOpen)
			}
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out.(*Response)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBase
	b.MaxInterval = r.retryMax

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// Metrics returns a snapshot of the breaker state.
func (r *Resilient) Metrics() BreakerMetrics {
	counts := r.breaker.Counts()
	return BreakerMetrics{
		State:               r.breaker.State().String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

func isPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}
