package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestRegistry_Open_WritesRunBegin(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	l := r.Open("run1", "build a page")
	if l == nil {
		t.Fatal("expected non-nil Log")
	}
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	if events[0].Kind != KindRunBegin {
		t.Errorf("first event kind = %q, want %q", events[0].Kind, KindRunBegin)
	}
	if events[0].RunID != "run1" {
		t.Errorf("run_id = %q, want %q", events[0].RunID, "run1")
	}
	if events[0].Query != "build a page" {
		t.Errorf("query = %q, want %q", events[0].Query, "build a page")
	}
}

func TestRegistry_Open_ReturnsExistingOnDuplicate(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	l1 := r.Open("run1", "query A")
	l2 := r.Open("run1", "query B")
	if l1 != l2 {
		t.Errorf("expected same *Log pointer on second Open, got different pointers")
	}
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	beginCount := 0
	for _, e := range events {
		if e.Kind == KindRunBegin {
			beginCount++
		}
	}
	if beginCount != 1 {
		t.Errorf("expected 1 run_begin, got %d", beginCount)
	}
}

func TestRegistry_Close_WritesRunEnd(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	r.Open("run1", "query")
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	last := events[len(events)-1]
	if last.Kind != KindRunEnd {
		t.Errorf("last event kind = %q, want %q", last.Kind, KindRunEnd)
	}
	if last.Status != "completed" {
		t.Errorf("status = %q, want %q", last.Status, "completed")
	}
	if last.ElapsedMs < 0 {
		t.Errorf("elapsed_ms = %d, want >= 0", last.ElapsedMs)
	}
}

func TestRegistry_Close_NoopsForUnknownRun(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	r.Close("nonexistent", "completed")
}

func TestRegistry_Close_NoopOnNilRegistry(t *testing.T) {
	var r *Registry
	r.Close("run1", "completed")
}

func TestLog_NilReceiverNoops(t *testing.T) {
	var l *Log
	l.Planned(1, "gen", nil)
	l.Dispatched(1, "gen")
	l.Completed(1, "done")
	l.Failed(1, "boom")
	l.Replan(2, 3)
}

func TestLog_SequenceOfEventsWritesInOrder(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	l := r.Open("run1", "query")
	l.Planned(1, "gen", []int{})
	l.Dispatched(1, "gen")
	l.Completed(1, "html generated")
	l.Replan(2, 1)
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	wantKinds := []EventKind{KindRunBegin, KindPlanned, KindDispatch, KindCompleted, KindReplan, KindRunEnd}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event %d kind = %q, want %q", i, events[i].Kind, k)
		}
	}
	if events[4].ReplanRound != 2 || events[4].MaxPrevIdx != 1 {
		t.Errorf("replan event = %+v, want round=2 max_prev_idx=1", events[4])
	}
}

func TestLog_FailedIncludesErrorMessage(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	l := r.Open("run1", "query")
	l.Failed(3, "tool exploded")
	r.Close("run1", "completed")

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	for _, e := range events {
		if e.Kind != KindFailed {
			continue
		}
		if e.Idx != 3 || e.Error != "tool exploded" {
			t.Errorf("failed event = %+v, want idx=3 error=%q", e, "tool exploded")
		}
		return
	}
	t.Fatal("no failed event found")
}
