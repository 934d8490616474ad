// Package conversation drives one multi-turn exchange against a stateful
// dialog backend while preserving session continuity.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
	"github.com/tiger/voiceflow-regression/internal/verify"
)

// State is the session lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateSent      State = "sent"
	StateResolved  State = "resolved"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Session owns one conversation's state. Never shared across cases.
type Session struct {
	Backend gateway.Backend
	Emitter telemetry.Emitter

	// Sleep honors per-turn pacing delays; injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error

	caseName string
	target   gateway.Target
	id       string
	state    State
	attrs    map[string]string
	turn     int
}

// NewSession creates a session with a fresh identifier and the case's
// initial attributes. The identifier is fixed at creation so every turn of
// the case lands in the same backend session.
func NewSession(backend gateway.Backend, emitter telemetry.Emitter, caseName string, target gateway.Target, initial map[string]string) *Session {
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}
	attrs := make(map[string]string, len(initial))
	for k, v := range initial {
		attrs[k] = v
	}
	return &Session{
		Backend:  backend,
		Emitter:  emitter,
		Sleep:    sleepContext,
		caseName: caseName,
		target:   target,
		id:       uuid.NewString(),
		state:    StateCreated,
		attrs:    attrs,
	}
}

// ID returns the session identifier shared by all turns of this case.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle position.
func (s *Session) State() State { return s.state }

// Attributes returns a copy of the session attribute view.
func (s *Session) Attributes() map[string]string {
	out := make(map[string]string, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// ApplyTurn sends one utterance and merges the backend's returned session
// attributes over the client-held view: the backend is authoritative once a
// turn completes.
func (s *Session) ApplyTurn(ctx context.Context, text string) (suite.DialogResult, error) {
	if s.state == StateCompleted || s.state == StateAborted {
		return suite.DialogResult{}, fmt.Errorf("session %s is %s, no further turns accepted", s.id, s.state)
	}
	s.turn++
	s.state = StateSent

	result, err := s.Backend.SendTurn(ctx, gateway.TurnRequest{
		Case:              s.caseName,
		SessionID:         s.id,
		Target:            s.target,
		Text:              text,
		SessionAttributes: s.Attributes(),
	})
	if err != nil {
		s.state = StateAborted
		return suite.DialogResult{}, fmt.Errorf("turn %d: %w", s.turn, err)
	}
	for k, v := range result.SessionAttributes {
		s.attrs[k] = v
	}
	s.state = StateResolved

	s.Emitter.EmitLog("turn_resolved", "info", "dialog turn resolved",
		map[string]string{"intent": result.Intent, "dialog_state": result.DialogState},
		telemetry.Correlation{Case: s.caseName, SessionID: s.id, Turn: s.turn})
	return result, nil
}

// Run executes the turn list in order, asserting each turn's expectations
// immediately. The first divergent turn aborts the session and later turns
// are skipped, so the partial verdict names exactly the turn that diverged.
// The returned results cover every turn actually sent.
func (s *Session) Run(ctx context.Context, turns []suite.Turn) ([]suite.DialogResult, []suite.Mismatch, error) {
	results := make([]suite.DialogResult, 0, len(turns))
	for i, turn := range turns {
		if turn.DelayMS > 0 {
			if err := s.Sleep(ctx, time.Duration(turn.DelayMS)*time.Millisecond); err != nil {
				s.state = StateAborted
				return results, nil, err
			}
		}
		result, err := s.ApplyTurn(ctx, turn.InputText)
		if err != nil {
			return results, nil, err
		}
		results = append(results, result)

		if mismatches := assertTurn(i+1, turn, result); len(mismatches) > 0 {
			s.state = StateAborted
			s.Emitter.EmitLog("turn_mismatch", "warn", "turn diverged from expectation",
				map[string]string{"input": turn.InputText, "mismatches": fmt.Sprintf("%d", len(mismatches))},
				telemetry.Correlation{Case: s.caseName, SessionID: s.id, Turn: i + 1})
			return results, mismatches, nil
		}
	}
	s.state = StateCompleted
	return results, nil, nil
}

// assertTurn compares one turn's observed result against its expectations.
// Intent, state, and slot values are exact; the message expectation is
// case-insensitive containment because generated wording is not a contract.
func assertTurn(n int, turn suite.Turn, result suite.DialogResult) []suite.Mismatch {
	var mismatches []suite.Mismatch
	exact := func(field, expected, observed string) {
		if expected != "" && observed != expected {
			mismatches = append(mismatches, suite.Mismatch{Turn: n, Field: field, Expected: expected, Observed: observed})
		}
	}
	exact("intent", turn.ExpectedIntent, result.Intent)
	exact("intent_state", turn.ExpectedIntentState, result.IntentState)
	exact("dialog_state", turn.ExpectedDialogState, result.DialogState)
	exact("elicited_slot", turn.ExpectedElicitedSlot, result.ElicitedSlot)

	for _, key := range sortedKeys(turn.ExpectedSlots) {
		observed, ok := result.Slots[key]
		if !ok {
			observed = "(absent)"
		}
		if observed != turn.ExpectedSlots[key] {
			mismatches = append(mismatches, suite.Mismatch{
				Turn: n, Field: fmt.Sprintf("slots[%s]", key),
				Expected: turn.ExpectedSlots[key], Observed: observed,
			})
		}
	}
	if turn.ExpectedMessageFragment != "" && !verify.ContainsFragment(result.Message, turn.ExpectedMessageFragment) {
		mismatches = append(mismatches, suite.Mismatch{
			Turn: n, Field: "message",
			Expected: fmt.Sprintf("contains %q", turn.ExpectedMessageFragment),
			Observed: result.Message,
		})
	}
	for _, key := range sortedKeys(turn.ExpectedSessionAttributes) {
		observed, ok := result.SessionAttributes[key]
		if !ok {
			observed = "(absent)"
		}
		if observed != turn.ExpectedSessionAttributes[key] {
			mismatches = append(mismatches, suite.Mismatch{
				Turn: n, Field: fmt.Sprintf("session_attributes[%s]", key),
				Expected: turn.ExpectedSessionAttributes[key], Observed: observed,
			})
		}
	}
	for _, want := range turn.ExpectedActiveContexts {
		if !containsString(result.ActiveContexts, want) {
			mismatches = append(mismatches, suite.Mismatch{
				Turn: n, Field: "active_contexts",
				Expected: want, Observed: fmt.Sprintf("%v", result.ActiveContexts),
			})
		}
	}
	return mismatches
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsString(list []string, want string) bool {
	for _, have := range list {
		if have == want {
			return true
		}
	}
	return false
}

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
