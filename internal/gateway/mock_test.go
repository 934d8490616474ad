package gateway

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tiger/voiceflow-regression/api/suite"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestMockStartThenSearchIsConsistent(t *testing.T) {
	t.Parallel()

	m := NewMock(map[string]suite.MockBehavior{
		"accounts": {Queue: "AccountsQueue", Attributes: map[string]string{"customer_tier": "gold"}},
	})
	m.Now = fixedClock

	id, err := m.StartInteraction(context.Background(), StartRequest{Case: "accounts", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected fabricated correlation id")
	}

	records, err := m.SearchOutcome(context.Background(), OutcomeFilter{CorrelationID: id})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one synthesized record, got %d", len(records))
	}
	if records[0].Queue != "AccountsQueue" {
		t.Fatalf("record should carry programmed queue, got %+v", records[0])
	}
	if records[0].CorrelationID != id {
		t.Fatalf("record should correlate with the start, got %+v", records[0])
	}
	if records[0].Attributes["customer_tier"] != "gold" {
		t.Fatalf("record should carry programmed attributes, got %+v", records[0])
	}
}

func TestMockIndexingDelayHidesRecord(t *testing.T) {
	t.Parallel()

	m := NewMock(map[string]suite.MockBehavior{
		"laggy": {Queue: "SupportQueue", IndexingDelayPolls: 2},
	})
	id, err := m.StartInteraction(context.Background(), StartRequest{Case: "laggy"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for poll := 1; poll <= 2; poll++ {
		records, err := m.SearchOutcome(context.Background(), OutcomeFilter{CorrelationID: id})
		if err != nil {
			t.Fatalf("poll %d failed: %v", poll, err)
		}
		if len(records) != 0 {
			t.Fatalf("poll %d should find nothing during simulated lag, got %+v", poll, records)
		}
	}
	records, err := m.SearchOutcome(context.Background(), OutcomeFilter{CorrelationID: id})
	if err != nil {
		t.Fatalf("third poll failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record should appear on poll 3, got %d", len(records))
	}
	if m.SearchCount(id) != 3 {
		t.Fatalf("expected 3 recorded searches, got %d", m.SearchCount(id))
	}
}

func TestMockStartFailuresAreConcurrencyClassified(t *testing.T) {
	t.Parallel()

	m := NewMock(map[string]suite.MockBehavior{
		"congested": {StartFailures: 2, Queue: "AnyQueue"},
	})
	for attempt := 1; attempt <= 2; attempt++ {
		_, err := m.StartInteraction(context.Background(), StartRequest{Case: "congested"})
		if err == nil {
			t.Fatalf("attempt %d should fail", attempt)
		}
		if !IsConcurrencyLimited(err) {
			t.Fatalf("attempt %d error should classify as concurrency limit: %v", attempt, err)
		}
	}
	if _, err := m.StartInteraction(context.Background(), StartRequest{Case: "congested"}); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
}

func TestMockDeterministicAcrossRuns(t *testing.T) {
	t.Parallel()

	behaviors := map[string]suite.MockBehavior{
		"stable": {Queue: "Q", Dialog: []suite.DialogResult{{Intent: "BookFlight", DialogState: "ElicitSlot"}}},
	}
	run := func() (string, suite.DialogResult) {
		m := NewMock(behaviors)
		m.Now = fixedClock
		id, err := m.StartInteraction(context.Background(), StartRequest{Case: "stable"})
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		res, err := m.SendTurn(context.Background(), TurnRequest{Case: "stable", SessionID: "s", Text: "book"})
		if err != nil {
			t.Fatalf("turn failed: %v", err)
		}
		return id, res
	}
	id1, res1 := run()
	id2, res2 := run()
	if id1 != id2 {
		t.Fatalf("correlation ids diverged across identical runs: %q vs %q", id1, id2)
	}
	if !reflect.DeepEqual(res1, res2) {
		t.Fatalf("dialog results diverged: %+v vs %+v", res1, res2)
	}
}

func TestMockScriptedDialogConsumedInOrder(t *testing.T) {
	t.Parallel()

	m := NewMock(map[string]suite.MockBehavior{
		"flow": {Dialog: []suite.DialogResult{
			{Intent: "BookFlight", DialogState: "ElicitSlot", ElicitedSlot: "DepartureCity"},
			{Intent: "BookFlight", DialogState: "Fulfilled"},
		}},
	})
	first, err := m.SendTurn(context.Background(), TurnRequest{Case: "flow", SessionID: "sess", Text: "book a flight"})
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if first.DialogState != "ElicitSlot" {
		t.Fatalf("unexpected turn 1 result: %+v", first)
	}
	second, err := m.SendTurn(context.Background(), TurnRequest{Case: "flow", SessionID: "sess", Text: "London"})
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if second.DialogState != "Fulfilled" {
		t.Fatalf("unexpected turn 2 result: %+v", second)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	wrapped := NewBackendError(ClassNotIndexed, "", "no records yet", nil)
	if !IsNotIndexed(wrapped) {
		t.Fatalf("expected not-indexed classification")
	}
	deep := errors.Join(errors.New("outer"), NewBackendError(ClassPermanent, "AccessDenied", "denied", nil))
	if !IsPermanent(deep) {
		t.Fatalf("expected permanent classification through wrapping")
	}
	if IsConcurrencyLimited(errors.New("plain")) {
		t.Fatalf("plain errors must not classify")
	}
	var ve error = &ValidationError{Field: "destination", Message: "not a phone number"}
	if !IsValidation(ve) {
		t.Fatalf("expected validation classification")
	}
}
