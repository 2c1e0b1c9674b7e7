package id

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_PrefixRoundTrip(t *testing.T) {
	tid := NewTaskID()
	if tid.IsNil() {
		t.Fatal("expected non-nil task ID")
	}
	if tid.Prefix() != PrefixTask {
		t.Fatalf("expected prefix %q, got %q", PrefixTask, tid.Prefix())
	}
	if !strings.HasPrefix(tid.String(), "task_") {
		t.Fatalf("expected task_ prefix in %q", tid.String())
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if _, err := Parse("not a typeid"); err == nil {
		t.Fatal("expected error for malformed string")
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	tid := NewRunID()
	if _, err := ParseTaskID(tid.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
	parsed, err := ParseRunID(tid.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.String() != tid.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed, tid)
	}
}

func TestID_JSON(t *testing.T) {
	tid := NewWorkerID()
	data, err := json.Marshal(tid)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.String() != tid.String() {
		t.Fatalf("json round trip mismatch: %q != %q", back, tid)
	}
}

func TestID_NilHandling(t *testing.T) {
	var zero ID
	if !zero.IsNil() {
		t.Fatal("zero ID should be nil")
	}
	if zero.String() != "" {
		t.Fatalf("nil ID should stringify empty, got %q", zero.String())
	}

	v, err := zero.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != nil {
		t.Fatalf("nil ID should store NULL, got %v", v)
	}
}

func TestID_SortableByCreation(t *testing.T) {
	a := NewTaskID()
	b := NewTaskID()
	// UUIDv7 suffixes are time-ordered; two IDs generated back to back
	// must not compare descending.
	if a.String() > b.String() {
		t.Fatalf("expected %q <= %q", a, b)
	}
}
