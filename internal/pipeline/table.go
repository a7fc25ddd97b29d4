package pipeline

import (
	"fmt"
	"sync"

	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// Output is one named artifact recorded by a completed step.
type Output struct {
	Name  string
	Value string
}

// OutputTable holds the outputs of completed steps for reference
// resolution. Entries are appended whole, one per step, under the
// mutex; a reader never observes a partially recorded step.
type OutputTable struct {
	mu      sync.RWMutex
	order   []string
	entries map[string][]Output
}

// NewOutputTable returns an empty table.
func NewOutputTable() *OutputTable {
	return &OutputTable{entries: make(map[string][]Output)}
}

// Record registers a completed step's outputs in declared order. The
// first output is the one a bare @step reference resolves to.
func (t *OutputTable) Record(step string, outputs []Output) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[step]; ok {
		return model.NewValidationError(fmt.Sprintf("step %q already recorded outputs", step))
	}
	t.entries[step] = outputs
	t.order = append(t.order, step)
	return nil
}

// Has reports whether the named step has recorded outputs.
func (t *OutputTable) Has(step string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[step]
	return ok
}

// Resolve returns the recorded value a reference points at. A reference
// without an output name selects the producer's first recorded output.
func (t *OutputTable) Resolve(ref deck.Ref) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	outputs, ok := t.entries[ref.Producer]
	if !ok {
		return "", model.NewReferenceError(fmt.Sprintf(
			"reference %s: no step named %q has run", ref, ref.Producer))
	}
	if ref.Output == "" {
		if len(outputs) == 0 {
			return "", model.NewReferenceError(fmt.Sprintf(
				"reference %s: step %q recorded no outputs", ref, ref.Producer))
		}
		return outputs[0].Value, nil
	}
	for _, out := range outputs {
		if out.Name == ref.Output {
			return out.Value, nil
		}
	}
	return "", model.NewReferenceError(fmt.Sprintf(
		"reference %s: step %q has no output %q", ref, ref.Producer, ref.Output))
}

// Steps returns the step names in recording order.
func (t *OutputTable) Steps() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Outputs returns a copy of one step's recorded outputs.
func (t *OutputTable) Outputs(step string) ([]Output, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	outputs, ok := t.entries[step]
	if !ok {
		return nil, false
	}
	return append([]Output(nil), outputs...), true
}
