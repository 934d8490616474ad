// Package dispatch starts one outbound synthetic interaction per test case,
// absorbing concurrency-limit rejections with the dispatch backoff policy.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
	"github.com/tiger/voiceflow-regression/internal/retry"
	"github.com/tiger/voiceflow-regression/internal/speech"
)

// E.164 destinations and alphanumeric bot identifiers are the only target
// shapes the backend accepts.
var (
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	botIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{8,16}$`)
)

// Request carries everything needed to place one call.
type Request struct {
	Case       string
	Target     gateway.Target
	Script     []suite.ScriptStep
	Attributes map[string]string
}

// Dispatcher places calls through the backend under the dispatch policy.
type Dispatcher struct {
	Backend gateway.Backend
	Policy  retry.Policy
	Emitter telemetry.Emitter

	// Renderer pre-renders speak-step prompts when configured. The audio
	// itself is the media pipeline's concern; rendering here only proves
	// the prompt is synthesizable before the call is placed.
	Renderer speech.Renderer

	// Now stamps interaction start times; injectable for tests.
	Now func() time.Time

	// NewConversationID supplies per-case conversation identifiers.
	NewConversationID func() string
}

// New builds a dispatcher with production defaults.
func New(backend gateway.Backend, policy retry.Policy, emitter telemetry.Emitter) *Dispatcher {
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}
	return &Dispatcher{
		Backend:           backend,
		Policy:            policy,
		Emitter:           emitter,
		Now:               time.Now,
		NewConversationID: uuid.NewString,
	}
}

// ValidateTarget fails fast on malformed targets, before any backend call. A
// target with no identifiers at all is unresolved rather than malformed: the
// environment simply cannot run the case.
func ValidateTarget(target gateway.Target) error {
	dest := strings.TrimSpace(target.Destination)
	bot := strings.TrimSpace(target.BotID)
	if dest == "" && bot == "" {
		return &gateway.TargetUnresolvedError{Missing: "destination or bot_id"}
	}
	if dest != "" && !phonePattern.MatchString(dest) {
		return &gateway.ValidationError{Field: "destination", Message: fmt.Sprintf("%q is not an E.164 phone number", dest)}
	}
	if dest == "" && !botIDPattern.MatchString(bot) {
		return &gateway.ValidationError{Field: "bot_id", Message: fmt.Sprintf("%q is not a bot identifier", bot)}
	}
	return nil
}

// Dispatch starts exactly one interaction and returns it with status pending,
// or with status error when the start could not be completed. Verification is
// never attempted for a call that never started.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (suite.Interaction, error) {
	if err := ValidateTarget(req.Target); err != nil {
		return suite.Interaction{Status: suite.InteractionError}, err
	}

	if d.Renderer != nil {
		if err := d.renderPrompts(ctx, req); err != nil {
			return suite.Interaction{Status: suite.InteractionError}, err
		}
	}

	conversationID := d.NewConversationID()
	correlation := telemetry.Correlation{Case: req.Case}

	var correlationID string
	err := d.Policy.Do(ctx, correlation, func(ctx context.Context) error {
		id, err := d.Backend.StartInteraction(ctx, gateway.StartRequest{
			Case:           req.Case,
			ConversationID: conversationID,
			Target:         req.Target,
			Script:         req.Script,
			Attributes:     req.Attributes,
		})
		if err != nil {
			return err
		}
		correlationID = id
		return nil
	})
	if err != nil {
		d.Emitter.EmitLog("dispatch_failed", "error", "interaction could not be started",
			map[string]string{"error": err.Error()}, correlation)
		return suite.Interaction{ConversationID: conversationID, StartedAt: d.Now(), Status: suite.InteractionError}, err
	}

	interaction := suite.Interaction{
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		StartedAt:      d.Now(),
		Status:         suite.InteractionPending,
	}
	d.Emitter.EmitLog("dispatch_started", "info", "interaction started",
		map[string]string{"conversation_id": conversationID},
		telemetry.Correlation{Case: req.Case, CorrelationID: correlationID})
	return interaction, nil
}

func (d *Dispatcher) renderPrompts(ctx context.Context, req Request) error {
	for i, step := range req.Script {
		if step.Type != suite.StepSpeak {
			continue
		}
		prompt, err := d.Renderer.Render(ctx, step.Text)
		if err != nil {
			return fmt.Errorf("render prompt for script step %d: %w", i+1, err)
		}
		d.Emitter.EmitLog("prompt_rendered", "debug", "speak step prompt rendered",
			map[string]string{"format": prompt.Format, "bytes": fmt.Sprintf("%d", prompt.Bytes)},
			telemetry.Correlation{Case: req.Case})
	}
	return nil
}
