package telemetry

import (
	"context"
	"sync"
)

// MemorySink is a deterministic in-memory sink used by pipeline tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0, 64)}
}

// Export appends an event in memory.
func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all exported events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Recorder is a synchronous in-memory Emitter. Tests install it to assert on
// emitted events without the pipeline's queue in between.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty synchronous recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0, 64)}
}

// EmitMetric records a metric event synchronously.
func (r *Recorder) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	r.append(Event{
		Kind:        EventKindMetric,
		Correlation: correlation,
		Metric:      &MetricEvent{Name: name, Value: value, Unit: unit, Attributes: cloneAttributes(attributes)},
	})
}

// EmitLog records a log event synchronously.
func (r *Recorder) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	r.append(Event{
		Kind:        EventKindLog,
		Correlation: correlation,
		Log:         &LogEvent{Name: name, Severity: severity, Message: message, Attributes: cloneAttributes(attributes)},
	})
}

func (r *Recorder) append(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Logs returns recorded log events with the given name, in order.
func (r *Recorder) Logs(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if e.Kind == EventKindLog && e.Log != nil && e.Log.Name == name {
			out = append(out, e)
		}
	}
	return out
}
