package deck

import (
	"fmt"
	"strings"
)

// RefPrefix marks a field as a symbolic reference to another step's or
// node's output rather than a literal value.
const RefPrefix = "@"

// Ref is a parsed reference token: a producer name and an optional output
// name. An empty Output means the producer's first declared output.
type Ref struct {
	Producer string
	Output   string
}

// IsRef reports whether the field carries the reference prefix.
func IsRef(field string) bool {
	return strings.HasPrefix(field, RefPrefix) && len(field) > len(RefPrefix)
}

// ParseRef splits a reference token into producer and optional output name.
// Tokens are normalized to lower case; the output name, when present,
// follows the first dot.
func ParseRef(field string) (Ref, error) {
	if !IsRef(field) {
		return Ref{}, fmt.Errorf("not a reference token: %q", field)
	}
	body := strings.ToLower(strings.TrimPrefix(field, RefPrefix))
	producer, output, _ := strings.Cut(body, ".")
	if producer == "" {
		return Ref{}, fmt.Errorf("reference token %q has no producer name", field)
	}
	return Ref{Producer: producer, Output: output}, nil
}

// String renders the token back to its textual form.
func (r Ref) String() string {
	if r.Output == "" {
		return RefPrefix + r.Producer
	}
	return RefPrefix + r.Producer + "." + r.Output
}
