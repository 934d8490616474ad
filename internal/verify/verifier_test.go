package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
	"github.com/tiger/voiceflow-regression/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func budgetPolicy(clock *fakeClock, budget, interval time.Duration) retry.Policy {
	p := retry.VerifyBackoff(budget, interval, nil)
	p.Now = clock.Now
	p.Sleep = clock.Sleep
	return p
}

func TestVerifyConfirmsAfterIndexingDelay(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	backend := gateway.NewMock(map[string]suite.MockBehavior{
		"billing-route": {Queue: "BillingQueue", IndexingDelayPolls: 2},
	})
	correlationID, err := backend.StartInteraction(context.Background(), gateway.StartRequest{
		Case:   "billing-route",
		Target: gateway.Target{Destination: "+15550100123"},
	})
	if err != nil {
		t.Fatalf("start: %+v", err)
	}

	rec := telemetry.NewRecorder()
	v := New(backend, budgetPolicy(clock, time.Minute, 5*time.Second), rec)
	got, err := v.Verify(context.Background(), "billing-route",
		suite.Interaction{CorrelationID: correlationID, Status: suite.InteractionPending},
		Expectation{Queue: "BillingQueue"})
	if err != nil {
		t.Fatalf("verify: %+v", err)
	}
	if got.Status != suite.InteractionConfirmed {
		t.Fatalf("status = %q, want confirmed", got.Status)
	}
	if got.Polls != 3 {
		t.Fatalf("polls = %d, want 3", got.Polls)
	}
	if got.Record == nil || got.Record.Queue != "BillingQueue" {
		t.Fatalf("record = %+v", got.Record)
	}
	if len(rec.Logs("verify_confirmed")) != 1 {
		t.Fatal("expected a verify_confirmed log")
	}
}

func TestVerifyTimesOutWhenNeverIndexed(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	rec := telemetry.NewRecorder()
	v := New(&staticBackend{}, budgetPolicy(clock, 10*time.Second, 3*time.Second), rec)

	got, err := v.Verify(context.Background(), "ghost-call",
		suite.Interaction{CorrelationID: "txn-404"}, Expectation{Queue: "AnyQueue"})
	if err != nil {
		t.Fatalf("verify: %+v", err)
	}
	if got.Status != suite.InteractionTimedOut {
		t.Fatalf("status = %q, want timed_out", got.Status)
	}
	if len(got.Mismatches) != 1 || got.Mismatches[0].Field != "outcome_record" {
		t.Fatalf("mismatches = %+v", got.Mismatches)
	}
	if len(rec.Logs("verify_timed_out")) != 1 {
		t.Fatal("expected a verify_timed_out log")
	}
}

func TestVerifyPrefersNewestRecord(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	base := time.Unix(1700000000, 0).UTC()
	backend := &staticBackend{records: []suite.OutcomeRecord{
		{ID: "stale", Queue: "WrongQueue", InitiatedAt: base},
		{ID: "fresh", Queue: "ClaimsQueue", InitiatedAt: base.Add(30 * time.Second)},
	}}
	v := New(backend, budgetPolicy(clock, time.Minute, 5*time.Second), nil)

	got, err := v.Verify(context.Background(), "retried-dispatch",
		suite.Interaction{CorrelationID: "txn-7"}, Expectation{Queue: "ClaimsQueue"})
	if err != nil {
		t.Fatalf("verify: %+v", err)
	}
	if got.Status != suite.InteractionConfirmed {
		t.Fatalf("status = %q, want confirmed", got.Status)
	}
	if got.Record.ID != "fresh" {
		t.Fatalf("record id = %q, want fresh", got.Record.ID)
	}
}

func TestVerifyReportsMismatchOnTimeout(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	backend := &staticBackend{records: []suite.OutcomeRecord{
		{ID: "r1", Queue: "SalesQueue", InitiatedAt: time.Unix(1700000000, 0).UTC(),
			Attributes: map[string]string{"customer_tier": "bronze"}},
	}}
	v := New(backend, budgetPolicy(clock, 10*time.Second, 3*time.Second), nil)

	got, err := v.Verify(context.Background(), "tier-routing",
		suite.Interaction{CorrelationID: "txn-9"},
		Expectation{Queue: "SupportQueue", Attributes: map[string]string{"customer_tier": "gold"}})
	if err != nil {
		t.Fatalf("verify: %+v", err)
	}
	if got.Status != suite.InteractionTimedOut {
		t.Fatalf("status = %q, want timed_out", got.Status)
	}
	if len(got.Mismatches) != 2 {
		t.Fatalf("mismatches = %+v, want queue and attribute", got.Mismatches)
	}
	if got.Mismatches[0].Field != "queue" || got.Mismatches[0].Observed != "SalesQueue" {
		t.Fatalf("first mismatch = %+v", got.Mismatches[0])
	}
	if got.Mismatches[1].Field != "attributes[customer_tier]" || got.Mismatches[1].Observed != "bronze" {
		t.Fatalf("second mismatch = %+v", got.Mismatches[1])
	}
}

func TestVerifyPropagatesPermanentErrors(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	backend := &staticBackend{err: gateway.NewBackendError(gateway.ClassPermanent, "AccessDeniedException", "no permission", nil)}
	v := New(backend, budgetPolicy(clock, time.Minute, 5*time.Second), nil)

	got, err := v.Verify(context.Background(), "denied",
		suite.Interaction{CorrelationID: "txn-11"}, Expectation{Queue: "AnyQueue"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !gateway.IsPermanent(err) {
		t.Fatalf("err = %+v, want permanent", err)
	}
	if got.Status != suite.InteractionError {
		t.Fatalf("status = %q, want error", got.Status)
	}
}

func TestContainsFragment(t *testing.T) {
	t.Parallel()

	if !ContainsFragment("Thanks! Your claim number is 42.", "your claim number") {
		t.Fatal("expected case-insensitive containment")
	}
	if ContainsFragment("Goodbye.", "claim") {
		t.Fatal("unexpected containment")
	}
}

type staticBackend struct {
	records []suite.OutcomeRecord
	err     error
}

func (s *staticBackend) StartInteraction(context.Context, gateway.StartRequest) (string, error) {
	return "txn-static", nil
}

func (s *staticBackend) SearchOutcome(context.Context, gateway.OutcomeFilter) ([]suite.OutcomeRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func (s *staticBackend) SendTurn(context.Context, gateway.TurnRequest) (suite.DialogResult, error) {
	return suite.DialogResult{}, nil
}
