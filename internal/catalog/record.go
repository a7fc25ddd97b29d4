// Package catalog holds the default parameter records for every step type
// and validates user cards against them. The shipped records are embedded
// in the binary; an override directory can replace the records of
// individual step types.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/godeck/pkg/deck"
)

// Constraint is one structural rule for datalines: an operator applied to
// a count. Catalog files write it in compact form, "=1" or ">0".
type Constraint struct {
	Op string
	N  int
}

// ParseConstraint reads the compact "<op><n>" form.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, fmt.Errorf("empty constraint")
	}
	op := string(s[0])
	switch op {
	case "=", "<", ">":
	default:
		return Constraint{}, fmt.Errorf("constraint %q: operator must be =, < or >", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[1:]))
	if err != nil {
		return Constraint{}, fmt.Errorf("constraint %q: bound must be an integer", s)
	}
	return Constraint{Op: op, N: n}, nil
}

// Check reports whether count satisfies the constraint.
func (c Constraint) Check(count int) bool {
	switch c.Op {
	case "=":
		return count == c.N
	case "<":
		return count < c.N
	case ">":
		return count > c.N
	}
	return false
}

// String renders the constraint in its catalog form.
func (c Constraint) String() string {
	return fmt.Sprintf("%s%d", c.Op, c.N)
}

// FieldSpec declares one parameter of a default record: its kind, its
// default value and, for enums, the allowed literals.
type FieldSpec struct {
	Name    string
	Kind    deck.Kind
	Default string
	Allowed []string
}

// Record is the default record for one step-type variant. Type is the
// discriminator value users select it by; step types with a single
// variant leave it empty. The dataline rules and declared outputs are
// shared by every record of a step type.
type Record struct {
	StepType string
	Type     string
	Defaults []FieldSpec
	Outputs  []string

	// Lines bounds the dataline count, LineFields the field count of
	// each dataline.
	Lines      Constraint
	LineFields Constraint
}

// DefaultOutput returns the first declared output, the one a bare
// @producer reference resolves to.
func (r *Record) DefaultOutput() string {
	if len(r.Outputs) == 0 {
		return ""
	}
	return r.Outputs[0]
}

// HasOutput reports whether name is one of the record's declared outputs.
func (r *Record) HasOutput(name string) bool {
	for _, o := range r.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

func (r *Record) field(name string) (FieldSpec, bool) {
	for _, spec := range r.Defaults {
		if spec.Name == name {
			return spec, true
		}
	}
	return FieldSpec{}, false
}

// parseStepFile decodes one catalog YAML document into the ordered record
// list for a single step type.
func parseStepFile(data []byte, source string) (string, []*Record, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("%s: YAML parse error: %w", source, err)
	}

	stepType := stringField(raw, "step_type")
	if stepType == "" {
		return "", nil, fmt.Errorf("%s: missing step_type", source)
	}

	lines, err := ParseConstraint(stringField(raw, "lines"))
	if err != nil {
		return "", nil, fmt.Errorf("%s: lines: %w", source, err)
	}
	fields, err := ParseConstraint(stringField(raw, "fields"))
	if err != nil {
		return "", nil, fmt.Errorf("%s: fields: %w", source, err)
	}
	outputs := stringListField(raw, "outputs")

	recsRaw, ok := raw["records"].([]any)
	if !ok || len(recsRaw) == 0 {
		return "", nil, fmt.Errorf("%s: records must be a non-empty list", source)
	}

	records := make([]*Record, 0, len(recsRaw))
	seen := make(map[string]bool, len(recsRaw))
	for i, entry := range recsRaw {
		m, ok := entry.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("%s: records[%d]: expected map, got %T", source, i, entry)
		}
		rec, err := parseRecord(m, stepType, lines, fields, outputs)
		if err != nil {
			return "", nil, fmt.Errorf("%s: records[%d]: %w", source, i, err)
		}
		if seen[rec.Type] {
			return "", nil, fmt.Errorf("%s: records[%d]: duplicate record for type %q", source, i, rec.Type)
		}
		seen[rec.Type] = true
		records = append(records, rec)
	}
	return stepType, records, nil
}

func parseRecord(m map[string]any, stepType string, lines, fields Constraint, outputs []string) (*Record, error) {
	rec := &Record{
		StepType:   stepType,
		Type:       stringField(m, "type"),
		Outputs:    outputs,
		Lines:      lines,
		LineFields: fields,
	}

	defsRaw, ok := m["defaults"].([]any)
	if !ok || len(defsRaw) == 0 {
		return nil, fmt.Errorf("defaults must be a non-empty list")
	}
	seen := make(map[string]bool, len(defsRaw))
	for i, d := range defsRaw {
		dm, ok := d.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("defaults[%d]: expected map, got %T", i, d)
		}
		spec, err := parseFieldSpec(dm)
		if err != nil {
			return nil, fmt.Errorf("defaults[%d]: %w", i, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("defaults[%d]: duplicate parameter %q", i, spec.Name)
		}
		seen[spec.Name] = true
		rec.Defaults = append(rec.Defaults, spec)
	}
	return rec, nil
}

func parseFieldSpec(m map[string]any) (FieldSpec, error) {
	name := stringField(m, "name")
	if name == "" {
		return FieldSpec{}, fmt.Errorf("parameter needs a name")
	}
	kind, err := parseKind(stringField(m, "kind"))
	if err != nil {
		return FieldSpec{}, fmt.Errorf("parameter %q: %w", name, err)
	}
	spec := FieldSpec{Name: name, Kind: kind, Default: stringField(m, "default")}
	if kind == deck.KindEnum {
		spec.Allowed = stringListField(m, "allowed")
		if len(spec.Allowed) == 0 {
			return FieldSpec{}, fmt.Errorf("enum parameter %q needs allowed values", name)
		}
		found := false
		for _, a := range spec.Allowed {
			if a == spec.Default {
				found = true
				break
			}
		}
		if !found {
			return FieldSpec{}, fmt.Errorf("enum parameter %q: default %q is not among allowed values", name, spec.Default)
		}
	}
	return spec, nil
}

func parseKind(s string) (deck.Kind, error) {
	switch s {
	case "", "text":
		return deck.KindText, nil
	case "integer":
		return deck.KindInt, nil
	case "boolean":
		return deck.KindBool, nil
	case "enum":
		return deck.KindEnum, nil
	}
	return deck.KindText, fmt.Errorf("unknown kind %q", s)
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	// YAML scalars such as integers and booleans keep their textual form.
	return fmt.Sprintf("%v", v)
}

func stringListField(m map[string]any, key string) []string {
	items, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}
