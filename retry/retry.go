// Package retry implements the bounded retry executor: exponential
// backoff with Retry-After support and a per-target circuit breaker,
// used by platform adapters wrapping a single outbound send attempt.
// Grounded on original_source/src/llm_generic_bot/adapters/_retry.py
// for the algorithm, and on the teacher's _examples/signalfx-sarama
// async_producer.go for folding backoff/breaker into one policy object
// instead of the teacher's raw time.Sleep/breaker.Run call sites.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/go-resiliency/breaker"

	"github.com/RNA4219/dispatchcore/log"
)

// Config mirrors _retry.py's RetryConfig.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig matches spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 8 * time.Second}
}

// Outcome is the attempt's result: a classified HTTP-shaped response.
// Adapters that don't speak HTTP can still populate StatusCode/Header
// with whatever their transport's closest analogue is.
type Outcome struct {
	StatusCode int
	Header     http.Header
}

// Attempt performs one send and returns its outcome or a transport
// error (timeout, connection refused, etc - anything not representable
// as a status code).
type Attempt func(ctx context.Context) (Outcome, error)

// FatalError wraps a non-retryable outcome/error so callers can
// distinguish "executor gave up after exhausting retries" from
// "executor never retried because the failure was not retryable".
type FatalError struct {
	Outcome Outcome
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("non-retryable status %d", e.Outcome.StatusCode)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExhaustedError is raised when every attempt was retryable but the
// attempt budget ran out.
type ExhaustedError struct {
	Attempts int
	Outcome  Outcome
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retry exhausted after %d attempts: status %d", e.Attempts, e.Outcome.StatusCode)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleeper abstracts time.Sleep so tests can run the backoff loop
// without actually suspending.
type Sleeper func(ctx context.Context, d time.Duration) error

// RealSleeper suspends via context-aware time.Sleep.
func RealSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs attempts under a per-target circuit breaker, applying
// exponential backoff (or a server-provided Retry-After) between
// retryable failures.
type Executor struct {
	cfg      Config
	logger   log.Logger
	sleep    Sleeper
	breakers map[string]*breaker.Breaker
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithSleeper overrides the default real-time sleeper, used by tests.
func WithSleeper(sleeper Sleeper) Option {
	return func(e *Executor) { e.sleep = sleeper }
}

// New builds an Executor. logger is used for the retry_scheduled/
// retry_exhausted/send_success/send_failed structured events.
func New(cfg Config, logger log.Logger, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		logger:   logger,
		sleep:    RealSleeper,
		breakers: make(map[string]*breaker.Breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) breakerFor(target string) *breaker.Breaker {
	if b, ok := e.breakers[target]; ok {
		return b
	}
	b := breaker.New(3, 1, 10*time.Second)
	e.breakers[target] = b
	return b
}

// Run executes attempt up to cfg.MaxAttempts times, mirroring
// _retry.py:run_with_retry's classify/log/sleep loop. Each individual
// attempt is further guarded by a circuit breaker keyed on target: once
// the breaker trips, Run returns breaker.ErrBreakerOpen immediately
// without invoking attempt again. adapterName is accepted for parity
// with the adapter-qualified logger that callers typically already hold
// (e.Logger was constructed with log.New(w, adapterName)); it is not
// re-attached here since Logger.emit already tags every event with it.
func (e *Executor) Run(ctx context.Context, adapterName, correlationID, target string, attempt Attempt) (Outcome, error) {
	_ = adapterName
	b := e.breakerFor(target)

	var lastOutcome Outcome
	var lastErr error

	for i := 1; i <= e.cfg.MaxAttempts; i++ {
		var outcome Outcome
		var attemptErr error
		runErr := b.Run(func() error {
			var err error
			outcome, err = attempt(ctx)
			if err != nil {
				attemptErr = err
				return err
			}
			if outcome.StatusCode == 429 || (outcome.StatusCode >= 500 && outcome.StatusCode < 600) {
				return errRetryable
			}
			return nil
		})

		if errors.Is(runErr, breaker.ErrBreakerOpen) {
			return outcome, runErr
		}

		lastOutcome, lastErr = outcome, attemptErr

		retryable := attemptErr != nil ||
			outcome.StatusCode == 429 || (outcome.StatusCode >= 500 && outcome.StatusCode < 600)

		if attemptErr == nil && outcome.StatusCode >= 200 && outcome.StatusCode < 300 {
			e.logger.Info("send_success", correlationID, log.Fields{
				"attempt": i, "max_attempts": e.cfg.MaxAttempts,
				"status_code": outcome.StatusCode, "target": target})
			return outcome, nil
		}

		if !retryable {
			e.logger.Error("send_failed", correlationID, log.Fields{
				"attempt": i, "max_attempts": e.cfg.MaxAttempts,
				"status_code": outcome.StatusCode, "target": target})
			return outcome, &FatalError{Outcome: outcome}
		}

		if i == e.cfg.MaxAttempts {
			fields := log.Fields{"attempt": i, "max_attempts": e.cfg.MaxAttempts,
				"status_code": outcome.StatusCode, "target": target}
			if attemptErr != nil {
				fields["error"] = attemptErr.Error()
			}
			e.logger.Error("retry_exhausted", correlationID, fields)
			return outcome, &ExhaustedError{Attempts: i, Outcome: outcome, Err: attemptErr}
		}

		delay := e.delayFor(i, outcome)
		fields := log.Fields{"attempt": i, "max_attempts": e.cfg.MaxAttempts,
			"status_code": outcome.StatusCode, "target": target, "retry_in": delay.Seconds()}
		if attemptErr != nil {
			fields["error"] = attemptErr.Error()
		}
		e.logger.Warn("retry_scheduled", correlationID, fields)
		_ = e.sleep(ctx, delay)
	}

	return lastOutcome, lastErr
}

var errRetryable = errors.New("retryable status")

// delayFor computes the suspension before the next attempt: a
// server-provided Retry-After on a 429, otherwise exponential backoff.
func (e *Executor) delayFor(attempt int, outcome Outcome) time.Duration {
	if outcome.StatusCode == 429 && outcome.Header != nil {
		if fromHeader, ok := retryAfterSeconds(outcome.Header.Get("Retry-After")); ok {
			return fromHeader
		}
	}
	return backoffDelay(attempt, e.cfg)
}

// backoffDelay mirrors _retry.py:_backoff, but is expressed via
// cenkalti/backoff/v4's ExponentialBackOff so the growth curve and its
// clamping share the same library the rest of the pack reaches for,
// rather than a hand-rolled power computation.
func backoffDelay(attempt int, cfg Config) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseBackoff
	eb.Multiplier = 2
	eb.MaxInterval = cfg.MaxBackoff
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // never Stop; max() is enforced via MaxInterval
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	return d
}

// retryAfterSeconds parses a Retry-After header value as either a
// numeric second count or an HTTP-date, per _retry.py:_retry_after_seconds.
func retryAfterSeconds(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
