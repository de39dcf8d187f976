// Package citation parses and renders evidence references of the form
// "laptop_id:field" and their bracketed in-text form "[laptop_id:field]".
package citation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformed is returned when a reference string cannot be parsed.
var ErrMalformed = errors.New("malformed citation")

// Ref identifies one attribute of one catalog entity.
type Ref struct {
	LaptopID string
	Field    string
}

// String renders the canonical "laptop_id:field" form.
func (r Ref) String() string { return r.LaptopID + ":" + r.Field }

// Bracketed renders the in-text form "[laptop_id:field]".
func (r Ref) Bracketed() string { return "[" + r.String() + "]" }

// Parse reads a "laptop_id:field" reference. Surrounding whitespace on either
// side of the separator is ignored.
func Parse(s string) (Ref, error) {
	id, field, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q: missing separator", ErrMalformed, s)
	}
	id = strings.TrimSpace(id)
	field = strings.TrimSpace(field)
	if id == "" || field == "" {
		return Ref{}, fmt.Errorf("%w: %q: empty component", ErrMalformed, s)
	}
	if strings.ContainsAny(id+field, "[]") {
		return Ref{}, fmt.Errorf("%w: %q: unexpected bracket", ErrMalformed, s)
	}
	return Ref{LaptopID: id, Field: field}, nil
}

// reserved are the characters a reference component cannot contain and
// still round-trip through String and Parse.
const reserved = ":[]"

// CheckComponent reports whether s can be used as a laptop id or a field
// name inside a reference.
func CheckComponent(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty component", ErrMalformed)
	}
	if strings.ContainsAny(s, reserved) {
		return fmt.Errorf("%w: %q contains one of %q", ErrMalformed, s, reserved)
	}
	return nil
}

var bracketRe = regexp.MustCompile(`\[([^\[\]]+?:[^\[\]]+?)\]`)

// Extract returns every bracketed reference found in text, in order of
// appearance. Tokens that do not parse are skipped.
func Extract(text string) []Ref {
	matches := bracketRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Ref, 0, len(matches))
	for _, m := range matches {
		ref, err := Parse(m[1])
		if err != nil {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// Strip removes all bracketed references from text.
func Strip(text string) string {
	return bracketRe.ReplaceAllString(text, " ")
}

// HasBracket reports whether text contains an opening bracket, which is the
// signal used to decide whether claimed citations must be re-attached.
func HasBracket(text string) bool { return strings.Contains(text, "[") }

// Set is an unordered collection of references.
type Set map[Ref]struct{}

// NewSet builds a set from refs.
func NewSet(refs ...Ref) Set {
	s := make(Set, len(refs))
	for _, r := range refs {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts r.
func (s Set) Add(r Ref) { s[r] = struct{}{} }

// Has reports whether r is a member.
func (s Set) Has(r Ref) bool {
	_, ok := s[r]
	return ok
}

// JoinBracketed renders refs as space separated bracketed tokens.
func JoinBracketed(refs []Ref) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.Bracketed()
	}
	return strings.Join(parts, " ")
}
