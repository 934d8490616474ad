// Package verify confirms that a dispatched interaction produced its expected
// observable side effect, tolerating backend index lag.
package verify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tiger/voiceflow-regression/api/suite"
	"github.com/tiger/voiceflow-regression/internal/gateway"
	"github.com/tiger/voiceflow-regression/internal/observability/telemetry"
	"github.com/tiger/voiceflow-regression/internal/retry"
)

// Expectation is the observable outcome a case demands from its interaction.
type Expectation struct {
	// Queue must equal the record's routing queue exactly when set.
	Queue string
	// Attributes must each equal the record's attribute value exactly.
	Attributes map[string]string
}

// Empty reports whether the case asserts nothing about the outcome record
// beyond its existence.
func (e Expectation) Empty() bool {
	return e.Queue == "" && len(e.Attributes) == 0
}

// Result is the verifier's resolution of one pending interaction.
type Result struct {
	// Status is confirmed only when a record matched the expectation
	// exactly; a spent budget yields timed_out, never confirmed.
	Status suite.InteractionStatus
	// Record is the newest record observed, matching or not. Nil when the
	// backend never indexed one.
	Record *suite.OutcomeRecord
	// Mismatches explains a timed_out status when a record was seen but
	// never satisfied the expectation.
	Mismatches []suite.Mismatch
	// Polls counts search attempts, for diagnostics.
	Polls int
}

// Verifier polls the backend's outcome search under the verification policy.
type Verifier struct {
	Backend gateway.Backend
	Policy  retry.Policy
	Emitter telemetry.Emitter
}

// New builds a verifier. A nil emitter disables telemetry.
func New(backend gateway.Backend, policy retry.Policy, emitter telemetry.Emitter) *Verifier {
	if emitter == nil {
		emitter = telemetry.NoopEmitter()
	}
	return &Verifier{Backend: backend, Policy: policy, Emitter: emitter}
}

// Verify resolves the interaction against the expectation. A record that is
// indexed but does not yet satisfy the expectation keeps the poll loop alive:
// a retried dispatch can leave a stale earlier record behind, and the newest
// record by timestamp always wins. Backend failures other than index lag
// propagate as errors.
func (v *Verifier) Verify(ctx context.Context, caseName string, interaction suite.Interaction, expect Expectation) (Result, error) {
	correlation := telemetry.Correlation{Case: caseName, CorrelationID: interaction.CorrelationID}

	var result Result
	var lastSeen *suite.OutcomeRecord
	err := v.Policy.Do(ctx, correlation, func(ctx context.Context) error {
		result.Polls++
		records, err := v.Backend.SearchOutcome(ctx, gateway.OutcomeFilter{
			Case:           caseName,
			CorrelationID:  interaction.CorrelationID,
			ConversationID: interaction.ConversationID,
			Since:          interaction.StartedAt,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return gateway.NewBackendError(gateway.ClassNotIndexed, "", "outcome record not indexed yet", nil)
		}
		rec := newest(records)
		lastSeen = &rec
		if mismatches := diff(rec, expect); len(mismatches) > 0 {
			return gateway.NewBackendError(gateway.ClassNotIndexed, "",
				fmt.Sprintf("newest record %s does not satisfy expectation yet", rec.ID), nil)
		}
		return nil
	})

	v.Emitter.EmitMetric(telemetry.MetricPollAttempts, float64(result.Polls), "count", nil, correlation)

	if err != nil {
		if retry.IsExhausted(err) && ctx.Err() == nil {
			result.Status = suite.InteractionTimedOut
			result.Record = lastSeen
			if lastSeen != nil {
				result.Mismatches = diff(*lastSeen, expect)
			} else {
				result.Mismatches = []suite.Mismatch{{
					Field:    "outcome_record",
					Expected: "at least one record",
					Observed: "none indexed within budget",
				}}
			}
			v.Emitter.EmitLog("verify_timed_out", "warn", "outcome never matched within budget",
				map[string]string{"polls": fmt.Sprintf("%d", result.Polls)}, correlation)
			return result, nil
		}
		result.Status = suite.InteractionError
		return result, fmt.Errorf("search outcome for %s: %w", interaction.CorrelationID, err)
	}

	result.Status = suite.InteractionConfirmed
	result.Record = lastSeen
	v.Emitter.EmitLog("verify_confirmed", "info", "outcome record matched expectation",
		map[string]string{"record_id": lastSeen.ID, "queue": lastSeen.Queue}, correlation)
	return result, nil
}

// newest prefers the most recent record by timestamp; a later slice position
// wins exact ties.
func newest(records []suite.OutcomeRecord) suite.OutcomeRecord {
	best := records[0]
	for _, rec := range records[1:] {
		if !rec.InitiatedAt.Before(best.InitiatedAt) {
			best = rec
		}
	}
	return best
}

// diff compares the record against the expectation. Queue and attribute
// values are exact matches; generated-text expectations never reach this
// path, fragment containment applies to dialog messages only.
func diff(rec suite.OutcomeRecord, expect Expectation) []suite.Mismatch {
	var mismatches []suite.Mismatch
	if expect.Queue != "" && rec.Queue != expect.Queue {
		mismatches = append(mismatches, suite.Mismatch{
			Field:    "queue",
			Expected: expect.Queue,
			Observed: rec.Queue,
		})
	}
	keys := make([]string, 0, len(expect.Attributes))
	for key := range expect.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		observed, ok := rec.Attributes[key]
		if !ok {
			mismatches = append(mismatches, suite.Mismatch{
				Field:    fmt.Sprintf("attributes[%s]", key),
				Expected: expect.Attributes[key],
				Observed: "(absent)",
			})
			continue
		}
		if observed != expect.Attributes[key] {
			mismatches = append(mismatches, suite.Mismatch{
				Field:    fmt.Sprintf("attributes[%s]", key),
				Expected: expect.Attributes[key],
				Observed: observed,
			})
		}
	}
	return mismatches
}

// ContainsFragment reports case-insensitive substring containment, the
// comparison rule for generated message text.
func ContainsFragment(message, fragment string) bool {
	return strings.Contains(strings.ToLower(message), strings.ToLower(fragment))
}
