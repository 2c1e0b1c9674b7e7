// Package vars implements the mutable variable scope threaded through a
// workflow run, and ${path} placeholder substitution over strings and
// nested structures.
//
// Substitution happens immediately before use (tool params, condition
// expressions), never at load time, so values bound by earlier nodes
// are visible to later ones.
package vars

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scope is the variable scope of one workflow run. It is exclusively
// owned by the engine for the lifetime of the run; parallel branches
// receive a copy and merge back at the join point.
type Scope map[string]any

// NewScope returns a Scope seeded with the given initial variables.
// A nil map yields an empty scope.
func NewScope(initial map[string]any) Scope {
	s := make(Scope, len(initial))
	for k, v := range initial {
		s[k] = v
	}
	return s
}

// Set binds a variable in the scope.
func (s Scope) Set(name string, v any) { s[name] = v }

// Delete removes a variable from the scope.
func (s Scope) Delete(name string) { delete(s, name) }

// Clone returns a key-level copy of the scope. Values are shared; a
// branch that replaces a key does not affect the original, which is
// the isolation level parallel fan-out needs.
func (s Scope) Clone() Scope {
	c := make(Scope, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Lookup resolves a dotted path against the scope. The first segment is
// a scope key; subsequent segments index into nested maps or slices
// (numeric segments).
func (s Scope) Lookup(path string) (any, bool) {
	segments := strings.Split(path, ".")
	cur, ok := s[segments[0]]
	if !ok {
		return nil, false
	}

	for _, seg := range segments[1:] {
		switch v := cur.(type) {
		case map[string]any:
			cur, ok = v[seg]
			if !ok {
				return nil, false
			}
		case Scope:
			cur, ok = v[seg]
			if !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ResolutionError reports a placeholder whose path has no binding in
// the scope. Substitution never falls back to an empty string.
type ResolutionError struct {
	Path string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("vars: unresolved variable path %q", e.Path)
}

// placeholder matches ${path} references. Paths are dotted identifiers;
// the closing brace is the only terminator.
var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve substitutes every ${path} placeholder in v against the scope.
// Strings that consist of exactly one placeholder resolve to the raw
// typed value, preserving type for downstream tool parameters; embedded
// placeholders render as strings. Maps and slices are resolved
// recursively into new containers; all other values pass through.
//
// Resolution is idempotent on values containing no placeholders.
func Resolve(v any, scope Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := Resolve(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := Resolve(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString is Resolve specialized to a string input; condition
// expressions use it before evaluation.
func ResolveString(s string, scope Scope) (any, error) {
	return resolveString(s, scope)
}

func resolveString(s string, scope Scope) (any, error) {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Exact single placeholder: keep the raw typed value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		val, ok := scope.Lookup(path)
		if !ok {
			return nil, &ResolutionError{Path: path}
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		path := s[m[2]:m[3]]
		val, ok := scope.Lookup(path)
		if !ok {
			return nil, &ResolutionError{Path: path}
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(Render(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Render converts a variable value to its string form for embedding in
// a larger string.
func Render(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}
