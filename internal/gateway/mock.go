package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiger/voiceflow-regression/api/suite"
)

// Mock is the deterministic in-memory backend. It fabricates correlation ids,
// synthesizes outcome records consistent with prior starts, and only fails
// when a case's mock behavior says so. Running the same suite twice against
// the same behaviors yields identical results.
type Mock struct {
	// Now supplies record timestamps; injectable for tests.
	Now func() time.Time

	mu            sync.Mutex
	behaviors     map[string]suite.MockBehavior
	startAttempts map[string]int
	records       []mockRecord
	searchCount   map[string]int
	turnIndex     map[string]int
	seq           int
}

type mockRecord struct {
	record suite.OutcomeRecord
	// hiddenPolls simulates indexing lag: the record stays invisible for
	// this many searches of its correlation id.
	hiddenPolls int
}

// NewMock builds a mock backend programmed with per-case behaviors.
func NewMock(behaviors map[string]suite.MockBehavior) *Mock {
	if behaviors == nil {
		behaviors = map[string]suite.MockBehavior{}
	}
	return &Mock{
		Now:           time.Now,
		behaviors:     behaviors,
		startAttempts: map[string]int{},
		searchCount:   map[string]int{},
		turnIndex:     map[string]int{},
	}
}

// StartInteraction fabricates a correlation id and registers the outcome
// record that later searches will surface.
func (m *Mock) StartInteraction(_ context.Context, req StartRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	behavior := m.behaviors[req.Case]
	m.startAttempts[req.Case]++
	if m.startAttempts[req.Case] <= behavior.StartFailures {
		return "", NewBackendError(ClassConcurrencyLimit, "ConcurrentCallLimit",
			fmt.Sprintf("simulated concurrency rejection %d for case %q", m.startAttempts[req.Case], req.Case), nil)
	}

	m.seq++
	correlationID := fmt.Sprintf("mock-txn-%04d", m.seq)
	queue := behavior.Queue
	if queue == "" {
		queue = req.Attributes["expected_queue"]
	}
	m.records = append(m.records, mockRecord{
		record: suite.OutcomeRecord{
			ID:            fmt.Sprintf("mock-contact-%04d", m.seq),
			CorrelationID: correlationID,
			Queue:         queue,
			Channel:       "VOICE",
			InitiatedAt:   m.Now().Add(time.Duration(m.seq) * time.Millisecond),
			Attributes:    behavior.Attributes,
		},
		hiddenPolls: behavior.IndexingDelayPolls,
	})
	return correlationID, nil
}

// SearchOutcome returns records matching the filter, honoring the simulated
// indexing delay. An empty result is an empty slice, never an error.
func (m *Mock) SearchOutcome(_ context.Context, filter OutcomeFilter) ([]suite.OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := filter.CorrelationID
	if key == "" {
		key = filter.Case
	}
	m.searchCount[key]++
	poll := m.searchCount[key]

	out := make([]suite.OutcomeRecord, 0, len(m.records))
	for i := range m.records {
		entry := m.records[i]
		if filter.CorrelationID != "" && entry.record.CorrelationID != filter.CorrelationID {
			continue
		}
		if !filter.Since.IsZero() && entry.record.InitiatedAt.Before(filter.Since) {
			continue
		}
		if poll <= entry.hiddenPolls {
			continue
		}
		out = append(out, entry.record)
	}
	return out, nil
}

// SendTurn returns the next canned dialog result for the case driving the
// session. Without scripted dialog it closes immediately with an echo.
func (m *Mock) SendTurn(_ context.Context, req TurnRequest) (suite.DialogResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	behavior := m.behaviors[req.Case]
	idx := m.turnIndex[req.SessionID]
	m.turnIndex[req.SessionID] = idx + 1

	if idx < len(behavior.Dialog) {
		return behavior.Dialog[idx], nil
	}
	return suite.DialogResult{
		Intent:      "FallbackIntent",
		IntentState: "Fulfilled",
		DialogState: "Close",
		Message:     fmt.Sprintf("mock response to %q", req.Text),
	}, nil
}

// SearchCount reports how many searches ran for a correlation id; tests use
// it to assert poll budgets.
func (m *Mock) SearchCount(correlationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchCount[correlationID]
}
