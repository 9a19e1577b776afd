// Package audit provides the append-only audit log subsystem.
//
// Every LLM call, task execution, review verdict, and webhook delivery is
// recorded as one JSON line under audit/YYYY-MM-DD.jsonl so operators can
// reconstruct exactly what a session's plans did without replaying LLM
// calls. Secret values are redacted before a record ever reaches disk.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kiso-run/kiso/common/trace"
	"github.com/kiso-run/kiso/internal/kiso/sanitize"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindLLMCall          Kind = "llm.call"
	KindTaskExecution    Kind = "task.execution"
	KindReviewVerdict    Kind = "review.verdict"
	KindWebhookDelivery  Kind = "webhook.delivery"
	KindPlanCompleted    Kind = "plan.completed"
	KindError            Kind = "error"
)

// Event is one audit record. Fields carries event-specific payload (task id,
// command, token counts, delivery attempt count, ...); any string value in
// it is sanitized against the current secret set before the event is
// written.
type Event struct {
	Kind      Kind
	Session   string
	TraceID   string
	Timestamp time.Time
	Fields    map[string]any
}

// record is Event's on-disk JSON shape.
type record struct {
	Time    time.Time      `json:"time"`
	Kind    Kind           `json:"kind"`
	Session string         `json:"session"`
	TraceID string         `json:"trace_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink records audit events. Implementations must not block the caller for
// long; a failing sink logs rather than propagating into the plan runtime's
// critical path (mirrored from the teacher's Notifier contract).
type Sink interface {
	Record(ctx context.Context, evt Event, secretValues []string) error
}

// FileSink appends one JSON line per event to dir/YYYY-MM-DD.jsonl (§6
// "Persisted layout": "audit/YYYY-MM-DD.jsonl"). A new file is opened the
// first time a record lands on a new UTC day.
type FileSink struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
}

// NewFileSink builds a FileSink rooted at dir (typically "audit").
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Record sanitizes evt.Fields against secretValues and appends it as one
// JSON line to the current day's audit file.
func (s *FileSink) Record(ctx context.Context, evt Event, secretValues []string) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}

	rec := record{
		Time:    evt.Timestamp,
		Kind:    evt.Kind,
		Session: evt.Session,
		TraceID: evt.TraceID,
		Fields:  sanitizeFields(evt.Fields, secretValues),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	f, err := s.fileForDay(evt.Timestamp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// fileForDay returns the (possibly newly opened) file for t's UTC date,
// closing and swapping out the previous day's file when the date rolls
// over.
func (s *FileSink) fileForDay(t time.Time) (*os.File, error) {
	day := t.UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil && s.day == day {
		return s.file, nil
	}
	if s.file != nil {
		s.file.Close()
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure audit dir: %w", err)
	}
	path := filepath.Join(s.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	s.file = f
	s.day = day
	return f, nil
}

// Close releases the currently open audit file, if any.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func sanitizeFields(fields map[string]any, secretValues []string) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = sanitize.Sanitize(s, secretValues)
			continue
		}
		out[k] = v
	}
	return out
}

// Noop is a Sink that discards every event, used when audit logging is
// disabled in tests.
type Noop struct{}

// Record does nothing.
func (Noop) Record(context.Context, Event, []string) error { return nil }

var _ Sink = (*FileSink)(nil)
var _ Sink = Noop{}
