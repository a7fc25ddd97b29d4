// Package steps turns validated cards into executable node graphs. Each
// step type registers one builder; the registry is closed, populated only
// here. Builders assemble graphs from external tool invocations (through
// nodeops.Runner) plus file and report plumbing, and declare which node
// outputs the step exports under its catalog output names.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/pkg/model"
)

// Env carries everything a builder needs to assemble a step graph.
type Env struct {
	Logger *slog.Logger
	Runner nodeops.Runner

	// WorkDir is the step's working directory; each node works in its
	// own subdirectory.
	WorkDir string

	// SinkDir is the run's sink root, empty when no sink card was given.
	SinkDir string

	// MaxIterWorkers bounds iteration fan-out; zero or one runs
	// elements sequentially.
	MaxIterWorkers int
}

// Export maps one step output name to the node output producing it.
// Export order fixes the step's declared output order.
type Export struct {
	Name   string
	Node   string
	Output string
}

// Plan is a built, executable step.
type Plan struct {
	Step    string
	Type    string
	Graph   *graph.Graph
	Exports []Export
}

// Builder assembles the node graph for one validated card.
type Builder func(env Env, bound *catalog.Bound) (*Plan, error)

// builders is the closed step-type registry. Sink cards are consumed by
// the driver's first pass and never reach a builder.
var builders = map[string]Builder{
	"image":             buildImage,
	"import":            buildImport,
	"motion correction": buildMotionCorrection,
	"coregistration":    buildCoregistration,
	"reconall":          buildReconall,
	"camra":             buildCamra,
	"tacs":              buildTacs,
}

// Build dispatches to the registered builder for the card's step type.
func Build(env Env, bound *catalog.Bound) (*Plan, error) {
	builder, ok := builders[bound.Card.StepType]
	if !ok {
		return nil, model.NewValidationError(fmt.Sprintf(
			"no builder registered for step type %q", bound.Card.StepType))
	}
	return builder(env, bound)
}

// Types returns the buildable step types in sorted order.
func Types() []string {
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// newGraph starts a step graph wired with the environment's sink and
// fan-out settings.
func newGraph(env Env, stepName string) *graph.Graph {
	g := graph.New(env.Logger, stepName, env.SinkDir)
	g.MaxIterWorkers = env.MaxIterWorkers
	return g
}

// invocation is one external command plus the outputs it leaves behind.
type invocation struct {
	Argv []string

	// Log is the basename for the captured output log; empty uses the
	// program name. Iterated nodes set it per element to keep logs
	// apart.
	Log string

	// Outs are the node outputs, computed before the command runs so
	// paths stay predictable.
	Outs map[string]any
}

// buildInvocation computes the command for one (element) execution from
// the node's working directory and resolved inputs.
type buildInvocation func(dir string, inputs map[string]any) (*invocation, error)

// toolOp wraps an external command into a graph op. The command works in
// <step work dir>/<node>/.
func toolOp(env Env, node string, build buildInvocation) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		inv, err := build(dir, inputs)
		if err != nil {
			return nil, err
		}
		_, err = env.Runner.Run(ctx, nodeops.Command{
			Argv:    inv.Argv,
			Dir:     dir,
			LogName: inv.Log,
		})
		if err != nil {
			return nil, err
		}
		return inv.Outs, nil
	})
}

// sidecarOp merges the JSON sidecars of the given source images into one
// <basename>.json, emitted as the "sidecar" output.
func sidecarOp(env Env, node, basename string, images []string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		path, err := nodeops.MergeSidecars(images, nil, basename, dir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sidecar": path}, nil
	})
}

// renameImageOp standardizes an image (and optional sidecar) to the
// step's basename. Outputs: out_file, sidecar.
func renameImageOp(env Env, node, basename string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		inFile, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		sidecar, _ := inputs["sidecar"].(string)
		imagePath, sidecarPath, err := nodeops.RenameImage(basename, inFile, sidecar, dir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"out_file": imagePath, "sidecar": sidecarPath}, nil
	})
}

// fragmentOp renders the step's report fragment. Inputs named in
// artifactKeys contribute their basenames as artifact links; the driver
// rewrites them under the step's sink subdirectory when assembling the
// composite report.
func fragmentOp(env Env, bound *catalog.Bound, artifactKeys []string) graph.Op {
	dir := filepath.Join(env.WorkDir, "report_template")
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		data := nodeops.FragmentData{
			Step:     bound.Name(),
			StepType: bound.Card.StepType,
		}
		params := bound.Params.StringMap()
		for _, k := range bound.Params.Keys() {
			if k == "name" {
				continue
			}
			data.Parameters = append(data.Parameters, nodeops.Parameter{Name: k, Value: params[k]})
		}
		for _, key := range artifactKeys {
			for _, p := range pathList(inputs[key]) {
				data.Artifacts = append(data.Artifacts, filepath.Base(p))
			}
		}

		path, err := nodeops.WriteFragment(dir, bound.Name()+"_report", data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"html": path}, nil
	})
}

// addFragmentNode appends the standard report node. artifacts maps input
// keys to node references whose values should be linked from the
// fragment.
func addFragmentNode(env Env, g *graph.Graph, bound *catalog.Bound, artifacts map[string]any) error {
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return g.AddNode("report_template", fragmentOp(env, bound, keys),
		artifacts, []string{"html"}, []string{"html"}, "")
}

// inString coerces a resolved input to a path.
func inString(inputs map[string]any, key string) (string, error) {
	s, ok := inputs[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("input %q is not a path (got %T)", key, inputs[key])
	}
	return s, nil
}

// inStrings coerces a resolved input to a path collection.
func inStrings(inputs map[string]any, key string) ([]string, error) {
	paths := pathList(inputs[key])
	if paths == nil {
		return nil, fmt.Errorf("input %q is not a path collection (got %T)", key, inputs[key])
	}
	return paths, nil
}

// pathList flattens a string or string collection to []string; anything
// else yields nil.
func pathList(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			s, ok := e.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	return nil
}
