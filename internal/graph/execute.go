package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/me/godeck/pkg/model"
)

// Deliverer places one artifact under a directory and returns its final
// path. The stager package provides the implementations.
type Deliverer interface {
	Deliver(ctx context.Context, localPath, destDir string) (string, error)
}

// Result holds everything one graph execution produced.
type Result struct {
	// NodeOutputs maps node name to that node's outputs. Iterated nodes
	// hold a collection per output.
	NodeOutputs map[string]map[string]any

	// Delivered maps each sink edge key to the paths materialized under
	// the sink directory.
	Delivered map[string][]string
}

// Output returns a node output, following the declaration that recorded it.
func (r *Result) Output(node, name string) (any, bool) {
	out, ok := r.NodeOutputs[node]
	if !ok {
		return nil, false
	}
	v, ok := out[name]
	return v, ok
}

// Execute runs the nodes in declaration order, feeding each node its
// resolved inputs, then delivers every sink-flagged output. A node failure
// aborts the run with an ExecutionError naming the node; cancellation
// discards the step's partial work.
func (g *Graph) Execute(ctx context.Context, deliverer Deliverer) (*Result, error) {
	outputs := make(map[string]map[string]any, len(g.nodes))

	for _, node := range g.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inputs, err := g.resolveInputs(node, outputs)
		if err != nil {
			return nil, err
		}

		var out map[string]any
		if node.IterField != "" {
			out, err = g.runIterated(ctx, node, inputs)
		} else {
			out, err = node.Op.Run(ctx, inputs)
			if err == nil {
				err = checkDeclared(node, out)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, model.NewExecutionError(fmt.Sprintf(
				"step %q: node %q: %v", g.stepName, node.Name, err))
		}

		outputs[node.Name] = out
		g.logger.Debug("node executed", "node", node.Name)
	}

	delivered, err := g.deliver(ctx, deliverer, outputs)
	if err != nil {
		return nil, err
	}
	return &Result{NodeOutputs: outputs, Delivered: delivered}, nil
}

// resolveInputs assembles a node's input map from its fixed bindings and
// the outputs recorded so far.
func (g *Graph) resolveInputs(node *Node, outputs map[string]map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(node.bindings))
	for _, b := range node.bindings {
		if !b.isRef {
			inputs[b.key] = b.literal
			continue
		}
		v, ok := outputs[b.fromNode][b.fromOutput]
		if !ok {
			return nil, model.NewExecutionError(fmt.Sprintf(
				"step %q: node %q: input %q: node %q recorded no output %q",
				g.stepName, node.Name, b.key, b.fromNode, b.fromOutput))
		}
		inputs[b.key] = v
	}
	return inputs, nil
}

// runIterated applies the node's operation once per element of the
// iteration field, collecting outputs into same-shaped collections. The
// elements have no ordering requirement among themselves; the aggregate
// exists only once every element has completed.
func (g *Graph) runIterated(ctx context.Context, node *Node, inputs map[string]any) (map[string]any, error) {
	elems, ok := toAnySlice(inputs[node.IterField])
	if !ok {
		return nil, fmt.Errorf("iteration field %q is not a collection", node.IterField)
	}

	results := make([]map[string]any, len(elems))
	if g.MaxIterWorkers > 1 && len(elems) > 1 {
		if err := g.runElementsParallel(ctx, node, inputs, elems, results); err != nil {
			return nil, err
		}
	} else {
		for i, elem := range elems {
			out, err := node.Op.Run(ctx, elementInputs(inputs, node.IterField, elem))
			if err == nil {
				err = checkDeclared(node, out)
			}
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			results[i] = out
		}
	}

	merged := make(map[string]any, len(node.Outputs))
	for _, name := range node.Outputs {
		arr := make([]any, len(results))
		for i, res := range results {
			arr[i] = res[name]
		}
		merged[name] = arr
	}
	return merged, nil
}

// runElementsParallel fans the elements out over a bounded worker set.
// The first failure cancels the remaining elements.
func (g *Graph) runElementsParallel(ctx context.Context, node *Node, inputs map[string]any, elems []any, results []map[string]any) error {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := newSemaphore(g.MaxIterWorkers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, elem := range elems {
		if !sem.acquire(iterCtx) {
			break
		}
		wg.Add(1)
		go func(i int, elem any) {
			defer wg.Done()
			defer sem.release()

			out, err := node.Op.Run(iterCtx, elementInputs(inputs, node.IterField, elem))
			if err == nil {
				err = checkDeclared(node, out)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("element %d: %w", i, err)
					cancel()
				}
				mu.Unlock()
				return
			}
			results[i] = out
		}(i, elem)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// deliver materializes every sink-flagged output under
// <sink>/<stepName>/. Iterated outputs deliver each element.
func (g *Graph) deliver(ctx context.Context, deliverer Deliverer, outputs map[string]map[string]any) (map[string][]string, error) {
	if len(g.sinkEdges) == 0 {
		return map[string][]string{}, nil
	}
	if deliverer == nil {
		return nil, model.NewExecutionError(fmt.Sprintf(
			"step %q: sink outputs flagged but no deliverer configured", g.stepName))
	}

	destDir := filepath.Join(g.sinkDir, g.stepName)
	delivered := make(map[string][]string, len(g.sinkEdges))
	for _, edge := range g.sinkEdges {
		value := outputs[edge.Node][edge.Output]
		paths, err := deliverValue(ctx, deliverer, value, destDir)
		if err != nil {
			return nil, model.NewExecutionError(fmt.Sprintf(
				"step %q: deliver %s: %v", g.stepName, edge.Key, err))
		}
		delivered[edge.Key] = paths
		g.logger.Debug("output delivered", "edge", edge.Key, "files", len(paths))
	}
	return delivered, nil
}

func deliverValue(ctx context.Context, deliverer Deliverer, value any, destDir string) ([]string, error) {
	switch v := value.(type) {
	case string:
		path, err := deliverer.Deliver(ctx, v, destDir)
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	case []string:
		paths := make([]string, 0, len(v))
		for _, s := range v {
			path, err := deliverer.Deliver(ctx, s, destDir)
			if err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
		return paths, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, elem := range v {
			sub, err := deliverValue(ctx, deliverer, elem, destDir)
			if err != nil {
				return nil, err
			}
			paths = append(paths, sub...)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("output value %T is not a path", value)
	}
}

// checkDeclared verifies an operation produced every declared output.
func checkDeclared(node *Node, out map[string]any) error {
	for _, name := range node.Outputs {
		if _, ok := out[name]; !ok {
			return fmt.Errorf("operation produced no %q output", name)
		}
	}
	return nil
}

// elementInputs copies the inputs with the iteration field replaced by a
// single element.
func elementInputs(inputs map[string]any, field string, elem any) map[string]any {
	combo := make(map[string]any, len(inputs))
	for k, v := range inputs {
		combo[k] = v
	}
	combo[field] = elem
	return combo
}

// toAnySlice converts the supported collection shapes to []any.
func toAnySlice(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
