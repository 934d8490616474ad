// Package gateway defines the uniform interface over the telephony and NLU
// control plane, plus the error taxonomy the resilience layer interprets.
package gateway

import (
	"context"
	"time"

	"github.com/tiger/voiceflow-regression/api/suite"
)

// Target addresses one interaction: a dialable destination for voice cases,
// a bot identity for conversational cases.
type Target struct {
	Destination string
	BotID       string
	BotAliasID  string
	LocaleID    string
	Region      string
}

// StartRequest starts one outbound synthetic interaction.
type StartRequest struct {
	Case           string
	ConversationID string
	Target         Target
	Script         []suite.ScriptStep
	Attributes     map[string]string
}

// OutcomeFilter selects outcome records for one interaction.
type OutcomeFilter struct {
	Case           string
	CorrelationID  string
	ConversationID string
	Channel        string
	Since          time.Time
}

// TurnRequest sends one utterance into a stateful dialog session.
type TurnRequest struct {
	Case              string
	SessionID         string
	Target            Target
	Text              string
	SessionAttributes map[string]string
}

// Backend is the capability interface over the control plane. The real
// implementation is transport only: it classifies failures into the taxonomy
// here and never retries.
type Backend interface {
	// StartInteraction places the call and returns its correlation id.
	StartInteraction(ctx context.Context, req StartRequest) (string, error)
	// SearchOutcome returns outcome records matching the filter, possibly
	// empty while the backend index lags.
	SearchOutcome(ctx context.Context, filter OutcomeFilter) ([]suite.OutcomeRecord, error)
	// SendTurn exchanges one turn and returns the structured dialog result.
	SendTurn(ctx context.Context, req TurnRequest) (suite.DialogResult, error)
}
