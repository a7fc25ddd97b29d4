package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// Validator checks a parsed deck against the catalog without running
// it: placeholder assignment, card shape, binding, and reference
// targets. All problems are collected so a user sees everything wrong
// with a deck in one pass.
type Validator struct {
	logger  *slog.Logger
	catalog *catalog.Catalog
}

// NewValidator creates a deck validator backed by the given catalog.
func NewValidator(logger *slog.Logger, cat *catalog.Catalog) *Validator {
	return &Validator{
		logger:  logger.With("component", "validator"),
		catalog: cat,
	}
}

// Validate returns nil for a runnable deck, or a ValidationError whose
// details list every problem found.
func (v *Validator) Validate(d *deck.Deck) error {
	var errs []model.FieldError

	errs = append(errs, v.validatePlaceholders(d)...)
	errs = append(errs, v.validateShape(d)...)
	errs = append(errs, v.validateNames(d)...)

	bound := v.validateBindings(d, &errs)
	errs = append(errs, v.validateReferences(d, bound)...)

	if len(errs) > 0 {
		v.logger.Debug("deck validation failed", "deck", d.Name, "problems", len(errs))
		return model.NewValidationError(fmt.Sprintf("deck %q failed validation", d.Name), errs...)
	}
	return nil
}

// validatePlaceholders flags ${var} uses that no parameter block or
// table column ever assigned.
func (v *Validator) validatePlaceholders(d *deck.Deck) []model.FieldError {
	if len(d.Unresolved) == 0 {
		return nil
	}
	names := make([]string, 0, len(d.Unresolved))
	for name := range d.Unresolved {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []model.FieldError
	for _, name := range names {
		errs = append(errs, model.FieldError{
			Field:   name,
			Message: fmt.Sprintf("placeholder ${%s} is never assigned (used on %d lines)", name, d.Unresolved[name]),
		})
	}
	return errs
}

// validateShape checks the deck has work to do and at most one sink.
func (v *Validator) validateShape(d *deck.Deck) []model.FieldError {
	var errs []model.FieldError

	if len(d.StepCards()) == 0 {
		errs = append(errs, model.FieldError{Message: "deck has no step cards"})
	}

	sinks := 0
	for _, card := range d.Cards {
		if card.IsSink() {
			sinks++
		}
	}
	if sinks > 1 {
		errs = append(errs, model.FieldError{
			Field:   "sink",
			Message: fmt.Sprintf("deck has %d sink cards, at most one is allowed", sinks),
		})
	}
	return errs
}

// validateNames flags duplicate step names, which would collide in the
// output table.
func (v *Validator) validateNames(d *deck.Deck) []model.FieldError {
	var errs []model.FieldError
	seen := make(map[string]bool)
	for _, card := range d.StepCards() {
		name := card.Name()
		if seen[name] {
			errs = append(errs, model.FieldError{
				Field:   name,
				Message: fmt.Sprintf("duplicate step name %q; references could not distinguish the two", name),
			})
			continue
		}
		seen[name] = true
	}
	return errs
}

// validateBindings binds every card against the catalog, collecting
// parameter and data line problems. Successful bindings are returned so
// reference targets can be checked against declared outputs.
func (v *Validator) validateBindings(d *deck.Deck, errs *[]model.FieldError) map[string]*catalog.Bound {
	bound := make(map[string]*catalog.Bound, len(d.Cards))
	for _, card := range d.Cards {
		b, err := v.catalog.Bind(card)
		if err != nil {
			*errs = append(*errs, scopedDetails(card.Name(), err)...)
			continue
		}
		if !card.IsSink() {
			bound[b.Name()] = b
		}
	}
	return bound
}

// validateReferences checks every reference token points at an earlier
// step and one of its declared outputs.
func (v *Validator) validateReferences(d *deck.Deck, bound map[string]*catalog.Bound) []model.FieldError {
	steps := d.StepCards()
	position := make(map[string]int, len(steps))
	for i, card := range steps {
		if _, ok := position[card.Name()]; !ok {
			position[card.Name()] = i
		}
	}

	var errs []model.FieldError
	for i, card := range steps {
		name := card.Name()
		for li, line := range card.Datalines {
			for _, field := range line {
				if !deck.IsRef(field) {
					continue
				}
				ref, err := deck.ParseRef(field)
				if err != nil {
					errs = append(errs, model.FieldError{
						Field:   name,
						Path:    fmt.Sprintf("line %d", li+1),
						Message: err.Error(),
					})
					continue
				}
				j, known := position[ref.Producer]
				switch {
				case !known:
					errs = append(errs, model.FieldError{
						Field:   name,
						Path:    fmt.Sprintf("line %d", li+1),
						Message: fmt.Sprintf("reference %s names no step in this deck", ref),
					})
				case j >= i:
					errs = append(errs, model.FieldError{
						Field:   name,
						Path:    fmt.Sprintf("line %d", li+1),
						Message: fmt.Sprintf("reference %s points at a step that has not run yet", ref),
					})
				case ref.Output == "":
					if b := bound[ref.Producer]; b != nil && b.Record.DefaultOutput() == "" {
						errs = append(errs, model.FieldError{
							Field:   name,
							Path:    fmt.Sprintf("line %d", li+1),
							Message: fmt.Sprintf("reference %s: step %q declares no outputs", ref, ref.Producer),
						})
					}
				default:
					if b := bound[ref.Producer]; b != nil && !b.Record.HasOutput(ref.Output) {
						errs = append(errs, model.FieldError{
							Field:   name,
							Path:    fmt.Sprintf("line %d", li+1),
							Message: fmt.Sprintf("step %q declares no output %q", ref.Producer, ref.Output),
						})
					}
				}
			}
		}
	}
	return errs
}

// scopedDetails extracts the field errors from a binding failure,
// scoping each to the card it came from.
func scopedDetails(card string, err error) []model.FieldError {
	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		return []model.FieldError{{Field: card, Message: err.Error()}}
	}
	if len(pe.Details) == 0 {
		return []model.FieldError{{Field: card, Message: pe.Message}}
	}
	details := make([]model.FieldError, 0, len(pe.Details))
	for _, detail := range pe.Details {
		if detail.Path == "" {
			detail.Path = card
		}
		details = append(details, detail)
	}
	return details
}
