// Package retry provides the bounded-retry-with-backoff primitive shared by
// call dispatch and outcome polling. The two budgets differ only in their
// stopping condition; everything else is one code path.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
)

// StopCondition decides when a policy stops retrying. Exhausted is consulted
// after a failed attempt, with the delay of the upcoming wait included in
// elapsed so a budget-bound policy never sleeps past its budget.
type StopCondition interface {
	Exhausted(attempt int, elapsed time.Duration) bool
	Describe() string
}

// AttemptLimit stops after a fixed number of attempts.
type AttemptLimit int

func (l AttemptLimit) Exhausted(attempt int, _ time.Duration) bool {
	return attempt >= int(l)
}

func (l AttemptLimit) Describe() string {
	return strconv.Itoa(int(l)) + " attempts"
}

// WallBudget stops once wall-clock time would exceed the budget.
type WallBudget time.Duration

func (b WallBudget) Exhausted(_ int, elapsed time.Duration) bool {
	return elapsed >= time.Duration(b)
}

func (b WallBudget) Describe() string {
	return time.Duration(b).String() + " budget"
}

// ExhaustedError tags the last underlying error once a policy gives up.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s retries exhausted after %d attempts (%s): %v", e.Policy, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err marks a spent retry budget.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Policy executes an operation under one resilience budget. The zero value is
// not usable; build via New or the preset constructors.
type Policy struct {
	Name      string
	Stop      StopCondition
	Delay     time.Duration
	Retryable func(error) bool

	// Now and Sleep are injectable for deterministic tests. Sleep returns
	// early with ctx.Err() on cancellation, so an interrupt is honored
	// within one backoff interval.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Emitter telemetry.Emitter
}

// New builds a policy with the given budget.
func New(name string, stop StopCondition, delay time.Duration, retryable func(error) bool, emitter telemetry.Emitter) Policy {
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}
	return Policy{
		Name:      name,
		Stop:      stop,
		Delay:     delay,
		Retryable: retryable,
		Now:       time.Now,
		Sleep:     sleepContext,
		Emitter:   emitter,
	}
}

// Defaults observed against the live backend. Empirical, not contractual:
// override per deployment when the quota or indexing latency changes.
const (
	DefaultDispatchAttempts = 3
	DefaultDispatchDelay    = 30 * time.Second
	DefaultVerifyBudget     = 5 * time.Minute
	DefaultVerifyInterval   = 5 * time.Second
)

// DispatchBackoff is the concurrency-limit policy for starting interactions.
func DispatchBackoff(attempts int, delay time.Duration, emitter telemetry.Emitter) Policy {
	if attempts < 1 {
		attempts = DefaultDispatchAttempts
	}
	if delay <= 0 {
		delay = DefaultDispatchDelay
	}
	return New("dispatch", AttemptLimit(attempts), delay, gateway.IsConcurrencyLimited, emitter)
}

// VerifyBackoff is the eventual-consistency policy for outcome polling.
func VerifyBackoff(budget, interval time.Duration, emitter telemetry.Emitter) Policy {
	if budget <= 0 {
		budget = DefaultVerifyBudget
	}
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}
	return New("verify", WallBudget(budget), interval, gateway.IsNotIndexed, emitter)
}

// Do runs op until it succeeds, fails non-retryably, exhausts the budget, or
// the context is cancelled. Exhaustion wraps the last error in
// *ExhaustedError; non-retryable errors propagate untouched and unwaited.
func (p Policy) Do(ctx context.Context, correlation telemetry.Correlation, op func(ctx context.Context) error) error {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	emitter := p.Emitter
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}

	start := now()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}

		elapsed := now().Sub(start)
		correlation.Attempt = attempt
		if p.Stop.Exhausted(attempt, elapsed+p.Delay) {
			emitter.EmitLog("retry_exhausted", "warn",
				fmt.Sprintf("%s policy exhausted (%s)", p.Name, p.Stop.Describe()),
				map[string]string{"policy": p.Name, "error": err.Error()}, correlation)
			return &ExhaustedError{Policy: p.Name, Attempts: attempt, Elapsed: elapsed, Err: err}
		}

		emitter.EmitLog("retry_attempt", "info",
			fmt.Sprintf("%s attempt %d failed, retrying in %s", p.Name, attempt, p.Delay),
			map[string]string{"policy": p.Name, "delay": p.Delay.String(), "error": err.Error()}, correlation)
		emitter.EmitMetric(telemetry.MetricRetryAttempts, 1, "count",
			map[string]string{"policy": p.Name}, correlation)

		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
