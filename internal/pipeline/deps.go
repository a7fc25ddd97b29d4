package pipeline

import (
	"sort"

	"github.com/me/godeck/pkg/deck"
)

// Dependencies captures which steps consume which earlier steps'
// outputs. Only references to steps declared earlier count as edges;
// forward and unknown references are left to fail at resolve time, so
// scheduling never changes what a deck means.
type Dependencies struct {
	// Edges maps each step name to the earlier steps it references,
	// sorted and deduplicated.
	Edges map[string][]string

	// Order is a topological order of the step names, biased toward
	// declaration order so independent steps keep their deck position.
	Order []string
}

// AnalyzeDependencies scans the cards' data lines for reference tokens
// and derives the dependency edges and a schedulable order.
func AnalyzeDependencies(cards []*deck.Card) *Dependencies {
	position := make(map[string]int, len(cards))
	for i, card := range cards {
		// First declaration wins; a duplicate name is a validation
		// failure elsewhere.
		if _, ok := position[card.Name()]; !ok {
			position[card.Name()] = i
		}
	}

	edges := make(map[string][]string, len(cards))
	for i, card := range cards {
		name := card.Name()
		seen := make(map[string]bool)
		for _, line := range card.Datalines {
			for _, field := range line {
				if !deck.IsRef(field) {
					continue
				}
				ref, err := deck.ParseRef(field)
				if err != nil {
					continue
				}
				j, ok := position[ref.Producer]
				if !ok || j >= i || seen[ref.Producer] {
					continue
				}
				seen[ref.Producer] = true
				edges[name] = append(edges[name], ref.Producer)
			}
		}
		sort.Strings(edges[name])
	}

	// Kahn's algorithm over the backward edges. The ready set is kept
	// sorted by declaration position for a deterministic order.
	inDegree := make(map[string]int, len(cards))
	forward := make(map[string][]string, len(cards))
	for consumer, producers := range edges {
		inDegree[consumer] = len(producers)
		for _, p := range producers {
			forward[p] = append(forward[p], consumer)
		}
	}

	var ready []string
	for _, card := range cards {
		if inDegree[card.Name()] == 0 {
			ready = append(ready, card.Name())
		}
	}

	order := make([]string, 0, len(cards))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			return position[ready[a]] < position[ready[b]]
		})
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, consumer := range forward[name] {
			inDegree[consumer]--
			if inDegree[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}

	return &Dependencies{Edges: edges, Order: order}
}

// Producers returns the steps the named step depends on.
func (d *Dependencies) Producers(step string) []string {
	return d.Edges[step]
}
