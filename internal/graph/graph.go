// Package graph builds and executes the node graph of one pipeline step.
// Nodes register in declaration order and may only reference nodes already
// registered, which keeps the graph acyclic without any cycle detection.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// Op is one node's unit of work: it receives the node's resolved inputs
// and returns its outputs by name.
type Op interface {
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// OpFunc adapts a plain function to the Op interface.
type OpFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Run calls f.
func (f OpFunc) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f(ctx, inputs)
}

// binding is one resolved input: either a literal value or an edge to an
// upstream node's output, fixed at registration time.
type binding struct {
	key        string
	literal    any
	isRef      bool
	fromNode   string
	fromOutput string
}

// Node is one registered operation with its bindings and declared outputs.
type Node struct {
	Name      string
	Op        Op
	Outputs   []string
	ToSink    []string
	IterField string

	bindings []binding
}

// SinkEdge records one output flagged for delivery under the sink
// directory, keyed stepName/nodeName/outputName.
type SinkEdge struct {
	Key    string
	Node   string
	Output string
}

// Graph is the node graph of a single step, rooted at a sink directory.
type Graph struct {
	logger   *slog.Logger
	stepName string
	sinkDir  string

	// MaxIterWorkers bounds concurrent iteration elements; values below
	// two run them sequentially.
	MaxIterWorkers int

	nodes     []*Node
	byName    map[string]*Node
	sinkEdges []SinkEdge
}

// New creates an empty graph for one step. An empty sinkDir disables sink
// edges; flagged outputs are then kept in place.
func New(logger *slog.Logger, stepName, sinkDir string) *Graph {
	return &Graph{
		logger:   logger.With("component", "graph", "step", stepName),
		stepName: stepName,
		sinkDir:  sinkDir,
		byName:   make(map[string]*Node),
	}
}

// StepName returns the step this graph belongs to.
func (g *Graph) StepName() string { return g.stepName }

// SinkDir returns the sink directory the graph is rooted at.
func (g *Graph) SinkDir() string { return g.sinkDir }

// Nodes returns the registered nodes in declaration order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// SinkEdges returns the recorded sink edges in registration order.
func (g *Graph) SinkEdges() []SinkEdge { return g.sinkEdges }

// AddNode registers a node and resolves its input bindings. String inputs
// carrying the @ prefix are references to an already registered node's
// output; an omitted output name selects the producer's first declared
// output. Everything else binds as a literal.
func (g *Graph) AddNode(name string, op Op, inputs map[string]any, outputs []string, toSink []string, iterField string) error {
	if name == "" {
		return model.NewValidationError(fmt.Sprintf("step %q: node needs a name", g.stepName))
	}
	if _, dup := g.byName[name]; dup {
		return model.NewValidationError(fmt.Sprintf("step %q: node %q already registered", g.stepName, name))
	}
	if op == nil {
		return model.NewValidationError(fmt.Sprintf("step %q: node %q has no operation", g.stepName, name))
	}

	node := &Node{
		Name:      name,
		Op:        op,
		Outputs:   append([]string(nil), outputs...),
		ToSink:    append([]string(nil), toSink...),
		IterField: iterField,
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b, err := g.bind(name, key, inputs[key])
		if err != nil {
			return err
		}
		node.bindings = append(node.bindings, b)
	}

	if iterField != "" {
		if _, ok := inputs[iterField]; !ok {
			return model.NewValidationError(fmt.Sprintf(
				"step %q: node %q: iteration field %q is not an input", g.stepName, name, iterField))
		}
	}

	declared := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		declared[o] = true
	}
	for _, o := range toSink {
		if !declared[o] {
			return model.NewValidationError(fmt.Sprintf(
				"step %q: node %q: sink output %q is not declared", g.stepName, name, o))
		}
		if g.sinkDir != "" {
			g.sinkEdges = append(g.sinkEdges, SinkEdge{
				Key:    fmt.Sprintf("%s/%s/%s", g.stepName, name, o),
				Node:   name,
				Output: o,
			})
		}
	}

	g.nodes = append(g.nodes, node)
	g.byName[name] = node
	g.logger.Debug("node registered", "node", name, "outputs", len(outputs))
	return nil
}

// bind fixes one input binding. References must point at nodes registered
// before this one; that ban on forward references is the graph's only,
// and sufficient, acyclicity check.
func (g *Graph) bind(nodeName, key string, value any) (binding, error) {
	s, ok := value.(string)
	if !ok || !deck.IsRef(s) {
		return binding{key: key, literal: value}, nil
	}

	ref, err := deck.ParseRef(s)
	if err != nil {
		return binding{}, model.NewReferenceError(fmt.Sprintf(
			"step %q: node %q: input %q: %v", g.stepName, nodeName, key, err))
	}
	producer, registered := g.byName[ref.Producer]
	if !registered {
		return binding{}, model.NewReferenceError(fmt.Sprintf(
			"step %q: node %q: input %q references %q, which is not registered yet",
			g.stepName, nodeName, key, ref.Producer))
	}

	output := ref.Output
	if output == "" {
		if len(producer.Outputs) == 0 {
			return binding{}, model.NewReferenceError(fmt.Sprintf(
				"step %q: node %q: input %q: node %q declares no outputs",
				g.stepName, nodeName, key, ref.Producer))
		}
		output = producer.Outputs[0]
	} else {
		found := false
		for _, o := range producer.Outputs {
			if o == output {
				found = true
				break
			}
		}
		if !found {
			return binding{}, model.NewReferenceError(fmt.Sprintf(
				"step %q: node %q: input %q: node %q declares no output %q",
				g.stepName, nodeName, key, ref.Producer, output))
		}
	}
	return binding{key: key, isRef: true, fromNode: ref.Producer, fromOutput: output}, nil
}
