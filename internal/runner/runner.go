package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/conversation"
	"github.com/tiger/voiceflow-regression/internal/dispatch"
	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/lifecycle"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
	"github.com/tiger/voiceflow-regression/internal/verify"
)

// Runner executes cases sequentially: the backend under test enforces a low
// concurrent-interaction quota, so parallelism buys nothing here.
type Runner struct {
	Backend    gateway.Backend
	Dispatcher *dispatch.Dispatcher
	Verifier   *verify.Verifier
	Emitter    telemetry.Emitter
	Resources  *lifecycle.Manager

	DefaultTarget gateway.Target
	Filter        []string

	// Hangup and CleanupScript register per-case finalizers when the
	// backend supports them; nil for the in-memory backend.
	Hangup        func(ctx context.Context, correlationID string) error
	CleanupScript func(ctx context.Context, conversationID string) error

	Now func() time.Time
}

// New builds a runner. A nil emitter disables telemetry.
func New(backend gateway.Backend, dispatcher *dispatch.Dispatcher, verifier *verify.Verifier, emitter telemetry.Emitter) *Runner {
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}
	return &Runner{
		Backend:    backend,
		Dispatcher: dispatcher,
		Verifier:   verifier,
		Emitter:    emitter,
		Resources:  lifecycle.New(emitter),
		Now:        time.Now,
	}
}

// Run executes every selected case in declared order and returns the
// aggregated summary. A case's unexpected failure never aborts the rest of
// the suite; cancellation marks the remaining cases as errors so the report
// stays complete.
func (r *Runner) Run(ctx context.Context, cases []suite.TestCase) suite.Summary {
	summary := suite.Summary{GeneratedAtUTC: r.Now().UTC().Format(time.RFC3339)}
	for _, tc := range cases {
		if !Selected(tc.Name, r.Filter) {
			summary.Verdicts = append(summary.Verdicts, suite.Verdict{
				Case: tc.Name, Outcome: suite.VerdictSkip,
			})
			continue
		}
		if ctx.Err() != nil {
			summary.Verdicts = append(summary.Verdicts, suite.Verdict{
				Case: tc.Name, Outcome: suite.VerdictError, Err: "run canceled before case started",
			})
			continue
		}
		verdict := r.runCase(ctx, tc)
		r.Emitter.EmitLog("case_verdict", severityFor(verdict.Outcome), "case finished",
			map[string]string{
				"outcome":     string(verdict.Outcome),
				"duration_ms": fmt.Sprintf("%d", verdict.DurationMS),
				"mismatches":  fmt.Sprintf("%d", len(verdict.Mismatches)),
			}, telemetry.Correlation{Case: tc.Name})
		r.Emitter.EmitMetric(telemetry.MetricCaseDurationMS, float64(verdict.DurationMS), "ms",
			map[string]string{"outcome": string(verdict.Outcome)}, telemetry.Correlation{Case: tc.Name})
		summary.Verdicts = append(summary.Verdicts, verdict)
	}
	summary.Tally()
	return summary
}

func severityFor(outcome suite.VerdictOutcome) string {
	switch outcome {
	case suite.VerdictPass, suite.VerdictSkip:
		return "info"
	case suite.VerdictFail:
		return "warn"
	default:
		return "error"
	}
}

// runCase converts a panic into an error verdict so one broken case cannot
// take the suite down with it.
func (r *Runner) runCase(ctx context.Context, tc suite.TestCase) (verdict suite.Verdict) {
	start := r.Now()
	defer func() {
		if p := recover(); p != nil {
			verdict = suite.Verdict{
				Case:    tc.Name,
				Outcome: suite.VerdictError,
				Err:     fmt.Sprintf("panic: %v", p),
			}
		}
		verdict.DurationMS = r.Now().Sub(start).Milliseconds()
	}()

	switch {
	case tc.MultiTurn():
		return r.runConversation(ctx, tc, tc.Turns)
	case tc.Voice():
		return r.runCall(ctx, tc)
	default:
		return r.runConversation(ctx, tc, []suite.Turn{{
			InputText:                 tc.InputText,
			ExpectedIntent:            tc.ExpectedIntent,
			ExpectedIntentState:       tc.ExpectedIntentState,
			ExpectedDialogState:       tc.ExpectedDialogState,
			ExpectedElicitedSlot:      tc.ExpectedElicitedSlot,
			ExpectedSlots:             tc.ExpectedSlots,
			ExpectedMessageFragment:   tc.ExpectedMessageFragment,
			ExpectedSessionAttributes: tc.ExpectedSessionAttributes,
			ExpectedActiveContexts:    tc.ExpectedActiveContexts,
		}})
	}
}

func (r *Runner) runCall(ctx context.Context, tc suite.TestCase) suite.Verdict {
	attrs := map[string]string{}
	if tc.ExpectedQueue != "" {
		attrs["expected_queue"] = tc.ExpectedQueue
	}
	interaction, err := r.Dispatcher.Dispatch(ctx, dispatch.Request{
		Case:       tc.Name,
		Target:     r.target(tc),
		Script:     tc.CallScript(),
		Attributes: attrs,
	})
	if interaction.ConversationID != "" && r.CleanupScript != nil {
		conversationID := interaction.ConversationID
		r.Resources.Register(lifecycle.Func{
			ResourceName: "script/" + conversationID,
			OnTeardown:   func(ctx context.Context) error { return r.CleanupScript(ctx, conversationID) },
		})
	}
	if err != nil {
		// An unresolved target means the environment cannot run this case
		// at all; that is a skip, not a defect of the deployment.
		if gateway.IsTargetUnresolved(err) {
			return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictSkip, Err: err.Error()}
		}
		if gateway.IsValidation(err) {
			return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictError, Err: err.Error()}
		}
		// The call never started; there is nothing to verify.
		return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictFail, Err: err.Error()}
	}
	if r.Hangup != nil {
		correlationID := interaction.CorrelationID
		r.Resources.Register(lifecycle.Func{
			ResourceName: "call/" + correlationID,
			OnTeardown:   func(ctx context.Context) error { return r.Hangup(ctx, correlationID) },
		})
	}

	result, err := r.Verifier.Verify(ctx, tc.Name, interaction, verify.Expectation{
		Queue:      tc.ExpectedQueue,
		Attributes: tc.ExpectedContactAttributes,
	})
	if err != nil {
		return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictError, Err: err.Error(), Record: result.Record}
	}
	if result.Status != suite.InteractionConfirmed {
		return suite.Verdict{
			Case:       tc.Name,
			Outcome:    suite.VerdictFail,
			Mismatches: result.Mismatches,
			Record:     result.Record,
		}
	}
	return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictPass, Record: result.Record}
}

func (r *Runner) runConversation(ctx context.Context, tc suite.TestCase, turns []suite.Turn) suite.Verdict {
	session := conversation.NewSession(r.Backend, r.Emitter, tc.Name, r.target(tc), tc.InitialSessionAttributes)
	results, mismatches, err := session.Run(ctx, turns)
	if err != nil {
		if gateway.IsTargetUnresolved(err) {
			return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictSkip, Err: err.Error()}
		}
		return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictError, Err: err.Error(), Raw: results}
	}
	if len(mismatches) > 0 {
		return suite.Verdict{
			Case:       tc.Name,
			Outcome:    suite.VerdictFail,
			Mismatches: mismatches,
			FailedTurn: mismatches[0].Turn,
			Raw:        results,
		}
	}
	return suite.Verdict{Case: tc.Name, Outcome: suite.VerdictPass, Raw: results}
}

func (r *Runner) target(tc suite.TestCase) gateway.Target {
	target := r.DefaultTarget
	if tc.Destination != "" {
		target.Destination = tc.Destination
	}
	if tc.BotID != "" {
		target.BotID = tc.BotID
	}
	if tc.BotAliasID != "" {
		target.BotAliasID = tc.BotAliasID
	}
	if tc.LocaleID != "" {
		target.LocaleID = tc.LocaleID
	}
	if tc.Region != "" {
		target.Region = tc.Region
	}
	return target
}
