// Package deck defines the data model for textual pipeline decks: ordered
// step declarations ("cards"), their validated parameters, and the symbolic
// reference tokens that bind one step's inputs to another's outputs.
// Parsing the text format lives in internal/parser; defaulting and
// validation live in internal/catalog.
package deck

import "strings"

// Card is one step declaration within a deck: a step type, raw parameter
// overrides from the card line, and the ordered data lines that follow it.
// Parameters are raw text until the catalog merges defaults and validates;
// datalines may be rewritten once (references resolved to literals) before
// the step executes.
type Card struct {
	StepType   string
	Parameters map[string]string
	Datalines  [][]string
}

// Name returns the card's configured name, falling back to the step type
// when no name override was given. Names are normalized to lower case so
// reference tokens resolve case-insensitively.
func (c *Card) Name() string {
	if n, ok := c.Parameters["name"]; ok && n != "" {
		return strings.ToLower(n)
	}
	return strings.ToLower(c.StepType)
}

// IsSink reports whether this card is the sink configuration card.
func (c *Card) IsSink() bool {
	return c.StepType == "sink"
}

// Deck is one parsed pipeline description: the ordered cards plus the
// substitution variables that were applied and any placeholders that stayed
// unresolved (still to be filled in by the operator or a batch table).
type Deck struct {
	Name       string
	Cards      []*Card
	Vars       map[string]string
	Unresolved map[string]int
}

// Sink returns the first sink card, or nil when the deck has none.
func (d *Deck) Sink() *Card {
	for _, c := range d.Cards {
		if c.IsSink() {
			return c
		}
	}
	return nil
}

// StepCards returns the cards to execute, in declaration order, with sink
// configuration cards filtered out.
func (d *Deck) StepCards() []*Card {
	var out []*Card
	for _, c := range d.Cards {
		if !c.IsSink() {
			out = append(out, c)
		}
	}
	return out
}
