package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// Bound couples a card with its selected record and validated parameters.
type Bound struct {
	Card   *deck.Card
	Record *Record
	Params deck.Params
}

// Name returns the step's effective name after defaulting.
func (b *Bound) Name() string {
	return strings.ToLower(b.Params.Name())
}

// Bind validates a card against the catalog: select its default record,
// merge the defaults with the card's overrides, coerce every value to its
// declared kind and check the dataline structure. All parameter problems
// of a card are reported together.
func (c *Catalog) Bind(card *deck.Card) (*Bound, error) {
	rec, err := c.Lookup(card.StepType, card.Parameters["type"])
	if err != nil {
		return nil, err
	}

	var details []model.FieldError
	overrides := make([]string, 0, len(card.Parameters))
	for k := range card.Parameters {
		overrides = append(overrides, k)
	}
	sort.Strings(overrides)
	for _, key := range overrides {
		if _, ok := rec.field(key); !ok {
			details = append(details, model.FieldError{
				Field:   key,
				Message: fmt.Sprintf("unknown parameter for step type %q", card.StepType),
			})
		}
	}

	values := make(map[string]deck.Value, len(rec.Defaults))
	for _, spec := range rec.Defaults {
		raw, supplied := card.Parameters[spec.Name]
		if !supplied {
			raw = spec.Default
		}
		v, err := coerce(spec, raw)
		if err != nil {
			details = append(details, model.FieldError{Field: spec.Name, Message: err.Error()})
			continue
		}
		values[spec.Name] = v
	}
	if len(details) > 0 {
		return nil, model.NewValidationError(
			fmt.Sprintf("step %q: invalid parameters", card.Name()), details...)
	}

	if err := checkDatalines(card, rec); err != nil {
		return nil, err
	}

	return &Bound{Card: card, Record: rec, Params: deck.NewParams(values)}, nil
}

// coerce converts one textual value to its declared kind.
func coerce(spec FieldSpec, raw string) (deck.Value, error) {
	switch spec.Kind {
	case deck.KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return deck.Value{}, fmt.Errorf("must be an integer, got %q", raw)
		}
		return deck.IntValue(n), nil
	case deck.KindBool:
		b, err := ParseBool(raw)
		if err != nil {
			return deck.Value{}, err
		}
		return deck.BoolValue(b), nil
	case deck.KindEnum:
		for _, a := range spec.Allowed {
			if raw == a {
				return deck.EnumValue(raw), nil
			}
		}
		return deck.Value{}, fmt.Errorf("must be one of [%s], got %q",
			strings.Join(spec.Allowed, ", "), raw)
	default:
		return deck.TextValue(raw), nil
	}
}

// ParseBool maps the boolean tokens accepted in decks. "." and "-" are
// the traditional deck spellings of false.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y":
		return true, nil
	case "false", "no", "n", ".", "-":
		return false, nil
	}
	return false, fmt.Errorf("must be a boolean (true/yes/y or false/no/n/./-), got %q", s)
}

// ForceInt coerces a flexible parameter such as crop_start: a false token
// or "0" means zero (disabled), anything else must parse as a positive
// integer.
func ForceInt(name, raw string) (int, error) {
	if b, err := ParseBool(raw); err == nil && !b {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, model.NewValidationError(fmt.Sprintf(
			"parameter %q: must be false, 0 or a positive integer, got %q", name, raw))
	}
	return n, nil
}

// checkDatalines applies the record's structural rules: the total line
// count first, then the field count of every line.
func checkDatalines(card *deck.Card, rec *Record) error {
	if !rec.Lines.Check(len(card.Datalines)) {
		return model.NewValidationError(fmt.Sprintf(
			"step %q: expected %s datalines, got %d",
			card.Name(), rec.Lines, len(card.Datalines)))
	}
	for i, line := range card.Datalines {
		if !rec.LineFields.Check(len(line)) {
			return model.NewValidationError(
				fmt.Sprintf("step %q: dataline %d: expected %s fields, got %d",
					card.Name(), i+1, rec.LineFields, len(line)),
				model.FieldError{
					Field:   "datalines",
					Path:    strings.Join(line, ", "),
					Message: fmt.Sprintf("line %d violates field rule %s", i+1, rec.LineFields),
				})
		}
	}
	return nil
}
