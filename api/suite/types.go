package suite

import (
	"fmt"
	"strings"
	"time"
)

// InteractionStatus tracks one dispatched call or bot exchange.
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "pending"
	InteractionConfirmed InteractionStatus = "confirmed"
	InteractionTimedOut  InteractionStatus = "timed_out"
	InteractionError     InteractionStatus = "error"
)

// VerdictOutcome is the terminal classification of one test case.
type VerdictOutcome string

const (
	VerdictPass  VerdictOutcome = "pass"
	VerdictFail  VerdictOutcome = "fail"
	VerdictError VerdictOutcome = "error"
	VerdictSkip  VerdictOutcome = "skip"
)

// ScriptStepKind enumerates virtual-caller script actions.
type ScriptStepKind string

const (
	StepWait  ScriptStepKind = "wait"
	StepSpeak ScriptStepKind = "speak"
)

// ScriptStep is one action the virtual caller performs on a voice call.
type ScriptStep struct {
	Type       ScriptStepKind `json:"type"`
	Text       string         `json:"text,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

func (s ScriptStep) Validate() error {
	switch s.Type {
	case StepWait:
		if s.DurationMS <= 0 {
			return fmt.Errorf("wait step requires duration_ms > 0")
		}
	case StepSpeak:
		if strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("speak step requires text")
		}
	default:
		return fmt.Errorf("unknown script step type %q", s.Type)
	}
	return nil
}

// Turn is one exchange of a multi-turn conversation plus its expectations.
type Turn struct {
	InputText string `json:"input_text"`
	DelayMS   int64  `json:"delay_ms,omitempty"`

	ExpectedIntent            string            `json:"expected_intent,omitempty"`
	ExpectedIntentState       string            `json:"expected_intent_state,omitempty"`
	ExpectedDialogState       string            `json:"expected_dialog_state,omitempty"`
	ExpectedElicitedSlot      string            `json:"expected_elicited_slot,omitempty"`
	ExpectedSlots             map[string]string `json:"expected_slots,omitempty"`
	ExpectedMessageFragment   string            `json:"expected_message_fragment,omitempty"`
	ExpectedSessionAttributes map[string]string `json:"expected_session_attributes,omitempty"`
	ExpectedActiveContexts    []string          `json:"expected_active_contexts,omitempty"`
}

func (t Turn) Validate() error {
	if strings.TrimSpace(t.InputText) == "" {
		return fmt.Errorf("turn is missing input_text")
	}
	if t.DelayMS < 0 {
		return fmt.Errorf("delay_ms must be >= 0")
	}
	return nil
}

// MockBehavior configures deterministic failure and latency simulation for a
// case when the suite runs against the in-memory backend.
type MockBehavior struct {
	// Queue the synthesized outcome record reports for this case.
	Queue string `json:"queue,omitempty"`
	// Attributes attached to the synthesized outcome record.
	Attributes map[string]string `json:"attributes,omitempty"`
	// IndexingDelayPolls hides the outcome record for the first N searches.
	IndexingDelayPolls int `json:"indexing_delay_polls,omitempty"`
	// StartFailures rejects the first N start attempts with a
	// concurrency-limit error.
	StartFailures int `json:"start_failures,omitempty"`
	// Dialog holds canned per-turn results, consumed in order.
	Dialog []DialogResult `json:"dialog,omitempty"`
}

// TestCase is one declarative regression case. Loaded once per run and
// immutable during execution.
type TestCase struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Exactly one input mode: input_speech / input_text for single-shot
	// cases, turns for multi-turn conversations.
	InputSpeech string       `json:"input_speech,omitempty"`
	InputText   string       `json:"input_text,omitempty"`
	Turns       []Turn       `json:"turns,omitempty"`
	Script      []ScriptStep `json:"script,omitempty"`

	ExpectedQueue             string            `json:"expected_queue,omitempty"`
	ExpectedIntent            string            `json:"expected_intent,omitempty"`
	ExpectedIntentState       string            `json:"expected_intent_state,omitempty"`
	ExpectedDialogState       string            `json:"expected_dialog_state,omitempty"`
	ExpectedElicitedSlot      string            `json:"expected_elicited_slot,omitempty"`
	ExpectedSlots             map[string]string `json:"expected_slots,omitempty"`
	ExpectedMessageFragment   string            `json:"expected_message_fragment,omitempty"`
	ExpectedContactAttributes map[string]string `json:"expected_contact_attributes,omitempty"`
	ExpectedSessionAttributes map[string]string `json:"expected_session_attributes,omitempty"`
	ExpectedActiveContexts    []string          `json:"expected_active_contexts,omitempty"`

	InitialSessionAttributes map[string]string `json:"initial_session_attributes,omitempty"`

	// Target overrides; configuration defaults apply when empty.
	Destination string `json:"destination,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	BotAliasID  string `json:"bot_alias_id,omitempty"`
	LocaleID    string `json:"locale_id,omitempty"`
	Region      string `json:"region,omitempty"`

	Mock *MockBehavior `json:"mock,omitempty"`
}

// Validate enforces identity and the one-input-mode invariant.
func (c TestCase) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("test case is missing name")
	}
	modes := 0
	if strings.TrimSpace(c.InputSpeech) != "" {
		modes++
	}
	if strings.TrimSpace(c.InputText) != "" {
		modes++
	}
	if len(c.Turns) > 0 {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("case %q must set exactly one of input_speech, input_text, or turns", c.Name)
	}
	for i, turn := range c.Turns {
		if err := turn.Validate(); err != nil {
			return fmt.Errorf("case %q turn %d: %w", c.Name, i+1, err)
		}
	}
	for i, step := range c.Script {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("case %q script step %d: %w", c.Name, i+1, err)
		}
	}
	if len(c.Script) > 0 && len(c.Turns) > 0 {
		return fmt.Errorf("case %q: script applies to voice cases only", c.Name)
	}
	return nil
}

// MultiTurn reports whether the case drives a stateful conversation.
func (c TestCase) MultiTurn() bool {
	return len(c.Turns) > 0
}

// Voice reports whether the case dispatches an outbound call.
func (c TestCase) Voice() bool {
	return strings.TrimSpace(c.InputSpeech) != ""
}

// CallScript returns the explicit script, or one synthesized from
// input_speech: a short settle wait, the utterance, then a listening window.
func (c TestCase) CallScript() []ScriptStep {
	if len(c.Script) > 0 {
		return c.Script
	}
	if strings.TrimSpace(c.InputSpeech) == "" {
		return nil
	}
	return []ScriptStep{
		{Type: StepWait, DurationMS: 2000},
		{Type: StepSpeak, Text: c.InputSpeech},
		{Type: StepWait, DurationMS: 10000},
	}
}

// Interaction records one dispatched call or bot exchange. Never mutated
// after reaching a terminal status.
type Interaction struct {
	CorrelationID  string            `json:"correlation_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	Status         InteractionStatus `json:"status"`
}

// OutcomeRecord is a backend-produced record confirming an interaction's
// side effect (e.g. a routed contact).
type OutcomeRecord struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Queue         string            `json:"queue,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	InitiatedAt   time.Time         `json:"initiated_at"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// DialogResult is the structured output of one conversation turn.
type DialogResult struct {
	Intent            string            `json:"intent,omitempty"`
	IntentState       string            `json:"intent_state,omitempty"`
	DialogState       string            `json:"dialog_state,omitempty"`
	ElicitedSlot      string            `json:"elicited_slot,omitempty"`
	Slots             map[string]string `json:"slots,omitempty"`
	Message           string            `json:"message,omitempty"`
	SessionAttributes map[string]string `json:"session_attributes,omitempty"`
	ActiveContexts    []string          `json:"active_contexts,omitempty"`
}

// Mismatch describes one expectation that diverged from observed state.
type Mismatch struct {
	Turn     int    `json:"turn,omitempty"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Observed string `json:"observed"`
}

func (m Mismatch) String() string {
	if m.Turn > 0 {
		return fmt.Sprintf("[turn %d] %s: expected %q, observed %q", m.Turn, m.Field, m.Expected, m.Observed)
	}
	return fmt.Sprintf("%s: expected %q, observed %q", m.Field, m.Expected, m.Observed)
}

// Verdict is the immutable result of one executed case.
type Verdict struct {
	Case       string         `json:"case"`
	Outcome    VerdictOutcome `json:"outcome"`
	Mismatches []Mismatch     `json:"mismatches,omitempty"`
	// Err carries the failure detail for error verdicts and the last
	// underlying backend error for exhausted-retry failures.
	Err string `json:"error,omitempty"`
	// FailedTurn is the 1-based turn at which a conversation diverged.
	FailedTurn int   `json:"failed_turn,omitempty"`
	DurationMS int64 `json:"duration_ms"`
	// Raw holds captured backend responses for diagnostics.
	Raw []DialogResult `json:"raw,omitempty"`
	// Record is the outcome record that resolved a single-shot case.
	Record *OutcomeRecord `json:"record,omitempty"`
}

func (v Verdict) Validate() error {
	if v.Case == "" {
		return fmt.Errorf("verdict requires case name")
	}
	switch v.Outcome {
	case VerdictPass, VerdictFail, VerdictError, VerdictSkip:
	default:
		return fmt.Errorf("invalid verdict outcome %q", v.Outcome)
	}
	if v.Outcome == VerdictPass && len(v.Mismatches) > 0 {
		return fmt.Errorf("pass verdict cannot carry mismatches")
	}
	return nil
}

// Summary aggregates verdicts for one suite run.
type Summary struct {
	GeneratedAtUTC string    `json:"generated_at_utc"`
	Total          int       `json:"total"`
	Passed         int       `json:"passed"`
	Failed         int       `json:"failed"`
	Errored        int       `json:"errored"`
	Skipped        int       `json:"skipped"`
	Verdicts       []Verdict `json:"test_cases"`
}

// Tally recomputes counters from the verdict list.
func (s *Summary) Tally() {
	s.Total = len(s.Verdicts)
	s.Passed, s.Failed, s.Errored, s.Skipped = 0, 0, 0, 0
	for _, v := range s.Verdicts {
		switch v.Outcome {
		case VerdictPass:
			s.Passed++
		case VerdictFail:
			s.Failed++
		case VerdictError:
			s.Errored++
		case VerdictSkip:
			s.Skipped++
		}
	}
}
