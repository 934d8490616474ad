package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// StreamSink writes one JSON object per event to a writer. The default run
// wiring points it at stderr so diagnostics never mix with report output.
type StreamSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStreamSink returns a sink writing JSONL events to w.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{enc: json.NewEncoder(w)}
}

// NewStderrSink returns a sink writing JSONL events to stderr.
func NewStderrSink() *StreamSink {
	return NewStreamSink(os.Stderr)
}

// Export encodes the event as a single JSON line.
func (s *StreamSink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(event)
}
