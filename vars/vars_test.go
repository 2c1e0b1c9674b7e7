package vars

import (
	"errors"
	"reflect"
	"testing"
)

func testScope() Scope {
	return NewScope(map[string]any{
		"in":   "hi",
		"n":    3,
		"ok":   true,
		"step1": map[string]any{
			"status_code": 200,
			"items":       []any{"a", "b"},
		},
	})
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

func TestLookup_DottedPaths(t *testing.T) {
	s := testScope()

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"in", "hi", true},
		{"step1.status_code", 200, true},
		{"step1.items.1", "b", true},
		{"step1.items.9", nil, false},
		{"step1.missing", nil, false},
		{"ghost", nil, false},
		{"in.deeper", nil, false},
	}

	for _, tt := range tests {
		got, ok := s.Lookup(tt.path)
		if ok != tt.ok {
			t.Fatalf("Lookup(%q): ok = %v, want %v", tt.path, ok, tt.ok)
		}
		if ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Lookup(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolve_ExactPlaceholderKeepsType(t *testing.T) {
	s := testScope()

	got, err := Resolve("${step1.status_code}", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 200 {
		t.Fatalf("expected typed 200, got %#v", got)
	}

	got, err = Resolve("${step1}", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, isMap := got.(map[string]any); !isMap {
		t.Fatalf("expected raw map, got %#v", got)
	}
}

func TestResolve_EmbeddedPlaceholdersRender(t *testing.T) {
	s := testScope()
	got, err := Resolve("status=${step1.status_code} ok=${ok}", s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "status=200 ok=true" {
		t.Fatalf("unexpected rendering: %q", got)
	}
}

func TestResolve_NestedStructures(t *testing.T) {
	s := testScope()
	in := map[string]any{
		"url":  "http://x/${in}",
		"list": []any{"${n}", "plain"},
	}
	got, err := Resolve(in, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := got.(map[string]any)
	if m["url"] != "http://x/hi" {
		t.Fatalf("unexpected url: %v", m["url"])
	}
	lst := m["list"].([]any)
	if lst[0] != 3 || lst[1] != "plain" {
		t.Fatalf("unexpected list: %v", lst)
	}
	// Input must not be mutated.
	if in["list"].([]any)[0] != "${n}" {
		t.Fatal("input structure was mutated")
	}
}

func TestResolve_MissingPathFails(t *testing.T) {
	s := testScope()
	_, err := Resolve("${nope.deep}", s)
	if err == nil {
		t.Fatal("expected resolution error")
	}
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("expected *ResolutionError, got %T", err)
	}
	if re.Path != "nope.deep" {
		t.Fatalf("expected failing path in error, got %q", re.Path)
	}
}

func TestResolve_IdempotentOnPlainValues(t *testing.T) {
	s := testScope()
	in := map[string]any{"a": "plain", "b": 42}

	once, err := Resolve(in, s)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	twice, err := Resolve(once, s)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("resolution not idempotent: %v != %v", once, twice)
	}
}

// ---------------------------------------------------------------------------
// Clone
// ---------------------------------------------------------------------------

func TestClone_KeyIsolation(t *testing.T) {
	s := testScope()
	c := s.Clone()
	c.Set("in", "bye")
	c.Set("new", 1)

	if s["in"] != "hi" {
		t.Fatal("clone write leaked into original")
	}
	if _, ok := s["new"]; ok {
		t.Fatal("clone key leaked into original")
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"s", "s"},
		{true, "true"},
		{3.5, "3.5"},
		{float64(2), "2"},
		{7, "7"},
	}
	for _, tt := range tests {
		if got := Render(tt.in); got != tt.want {
			t.Fatalf("Render(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
