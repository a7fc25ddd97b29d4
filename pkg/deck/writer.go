package deck

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Write serializes the deck back to its textual form: envelope markers,
// one card line per card with sorted parameter overrides, and the card's
// data lines. Substitution variables are already applied at parse time, so
// the emitted text carries their resolved values. Re-parsing the output
// yields an equal card sequence.
func (d *Deck) Write(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "*start"); err != nil {
		return err
	}
	for _, c := range d.Cards {
		line := "*" + c.StepType
		keys := make([]string, 0, len(c.Parameters))
		for k := range c.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf(", %s=%s", k, c.Parameters[k])
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, fields := range c.Datalines {
			if _, err := fmt.Fprintln(w, strings.Join(fields, ", ")); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "*end")
	return err
}

// String renders the deck text.
func (d *Deck) String() string {
	var sb strings.Builder
	_ = d.Write(&sb)
	return sb.String()
}
