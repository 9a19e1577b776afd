package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/audit"
)

func TestFileSinkWritesOneJSONLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	sink := audit.NewFileSink(dir)
	defer sink.Close()

	now := time.Now()
	err := sink.Record(context.Background(), audit.Event{
		Kind:      audit.KindTaskExecution,
		Session:   "s1",
		Timestamp: now,
		Fields:    map[string]any{"task_id": int64(3), "command": "echo hi"},
	}, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	err = sink.Record(context.Background(), audit.Event{
		Kind:      audit.KindLLMCall,
		Session:   "s1",
		Timestamp: now,
		Fields:    map[string]any{"role": "planner"},
	}, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	path := filepath.Join(dir, now.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first["kind"] != string(audit.KindTaskExecution) {
		t.Errorf("kind = %v, want %v", first["kind"], audit.KindTaskExecution)
	}
	if first["session"] != "s1" {
		t.Errorf("session = %v, want s1", first["session"])
	}
}

func TestFileSinkRedactsSecretsInFields(t *testing.T) {
	dir := t.TempDir()
	sink := audit.NewFileSink(dir)
	defer sink.Close()

	now := time.Now()
	if err := sink.Record(context.Background(), audit.Event{
		Kind:      audit.KindWebhookDelivery,
		Session:   "s1",
		Timestamp: now,
		Fields:    map[string]any{"output": "token is tok_abc123", "attempt": 1},
	}, []string{"tok_abc123"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	path := filepath.Join(dir, now.UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(data), "tok_abc123") {
		t.Errorf("audit file %q should have redacted the secret", data)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Errorf("audit file %q should contain a redaction marker", data)
	}
}

func TestFileSinkRollsOverToNewDayFile(t *testing.T) {
	dir := t.TempDir()
	sink := audit.NewFileSink(dir)
	defer sink.Close()

	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 30, 0, 0, time.UTC)

	if err := sink.Record(context.Background(), audit.Event{Kind: audit.KindError, Session: "s1", Timestamp: day1}, nil); err != nil {
		t.Fatalf("Record day1: %v", err)
	}
	if err := sink.Record(context.Background(), audit.Event{Kind: audit.KindError, Session: "s1", Timestamp: day2}, nil); err != nil {
		t.Fatalf("Record day2: %v", err)
	}

	for _, day := range []string{"2026-01-01", "2026-01-02"} {
		if _, err := os.Stat(filepath.Join(dir, day+".jsonl")); err != nil {
			t.Errorf("expected audit file for %s: %v", day, err)
		}
	}
}

func TestNoopSinkDiscardsEvents(t *testing.T) {
	if err := (audit.Noop{}).Record(context.Background(), audit.Event{Kind: audit.KindError}, nil); err != nil {
		t.Fatalf("Noop.Record: %v", err)
	}
}
