// Package lifecycle provisions the ephemeral backend resources a regression
// run needs and guarantees their teardown exactly once on every exit path.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
)

// Resource is one provisionable backend dependency.
type Resource interface {
	Name() string
	Provision(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// Manager owns acquisition order and release. Release runs at most once, in
// reverse acquisition order, no matter how many exit paths reach it.
type Manager struct {
	Emitter telemetry.Emitter

	// TeardownAttempts bounds per-resource teardown retries. Leaked cloud
	// resources have a cost; residual failures surface as warnings.
	TeardownAttempts int
	TeardownDelay    time.Duration
	Sleep            func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	acquired []Resource
	released sync.Once
}

// New builds a manager with production defaults.
func New(emitter telemetry.Emitter) *Manager {
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}
	return &Manager{
		Emitter:          emitter,
		TeardownAttempts: 3,
		TeardownDelay:    2 * time.Second,
		Sleep:            sleepContext,
	}
}

// Acquire provisions resources in order. On the first failure it tears down
// everything already provisioned in this call and returns the error: a
// half-provisioned suite never runs.
func (m *Manager) Acquire(ctx context.Context, resources ...Resource) error {
	for i, res := range resources {
		if err := res.Provision(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.teardownWithRetry(ctx, resources[j])
			}
			return fmt.Errorf("provision %s: %w", res.Name(), err)
		}
		m.Emitter.EmitLog("resource_provisioned", "info", "resource ready",
			map[string]string{"resource": res.Name()}, telemetry.Correlation{})
		m.mu.Lock()
		m.acquired = append(m.acquired, res)
		m.mu.Unlock()
	}
	return nil
}

// Register adds an already-live resource so Release covers it. Used for
// per-case finalizers like hanging up an in-flight call.
func (m *Manager) Register(res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = append(m.acquired, res)
}

// Release tears everything down in reverse order. Residual failures after
// the retry budget are returned and logged, never silently dropped. Calling
// Release again is a no-op.
func (m *Manager) Release(ctx context.Context) []error {
	var failures []error
	m.released.Do(func() {
		m.mu.Lock()
		resources := make([]Resource, len(m.acquired))
		copy(resources, m.acquired)
		m.mu.Unlock()

		for i := len(resources) - 1; i >= 0; i-- {
			if err := m.teardownWithRetry(ctx, resources[i]); err != nil {
				failures = append(failures, err)
			}
		}
	})
	return failures
}

func (m *Manager) teardownWithRetry(ctx context.Context, res Resource) error {
	var lastErr error
	for attempt := 1; attempt <= m.TeardownAttempts; attempt++ {
		lastErr = res.Teardown(ctx)
		if lastErr == nil {
			m.Emitter.EmitLog("resource_released", "info", "resource torn down",
				map[string]string{"resource": res.Name()}, telemetry.Correlation{})
			return nil
		}
		if attempt < m.TeardownAttempts {
			m.Emitter.EmitLog("teardown_retry", "warn", "teardown failed, retrying",
				map[string]string{"resource": res.Name(), "error": lastErr.Error()},
				telemetry.Correlation{Attempt: attempt})
			if err := m.Sleep(ctx, m.TeardownDelay); err != nil {
				break
			}
		}
	}
	m.Emitter.EmitLog("resource_leaked", "error", "teardown exhausted, resource may be leaked",
		map[string]string{"resource": res.Name(), "error": lastErr.Error()}, telemetry.Correlation{})
	return fmt.Errorf("teardown %s: %w", res.Name(), lastErr)
}

// Func adapts a teardown closure into a Resource with no provision step.
type Func struct {
	ResourceName string
	OnTeardown   func(ctx context.Context) error
}

func (f Func) Name() string                       { return f.ResourceName }
func (f Func) Provision(context.Context) error    { return nil }
func (f Func) Teardown(ctx context.Context) error { return f.OnTeardown(ctx) }

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
