package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/pkg/model"
)

// surfaceOutflows are the reconstruction volumes exposed to later steps,
// in export order.
var surfaceOutflows = []string{"t1", "aseg", "wmparc"}

// buildReconall runs a cortical surface reconstruction, or reads an
// existing one, and exposes its key volumes reoriented to NIfTI.
func buildReconall(env Env, bound *catalog.Bound) (*Plan, error) {
	name := bound.Name()
	g := newGraph(env, name)

	var err error
	switch bound.Params.Text("status") {
	case "read existing":
		err = addReadReconNode(env, g, bound)
	default:
		err = addExecuteReconNode(env, g, bound)
	}
	if err != nil {
		return nil, err
	}

	merge := graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		out := make([]any, 0, len(surfaceOutflows))
		for _, key := range surfaceOutflows {
			path, err := inString(inputs, key)
			if err != nil {
				return nil, err
			}
			out = append(out, path)
		}
		return map[string]any{"out": out}, nil
	})
	mergeInputs := map[string]any{}
	for _, key := range surfaceOutflows {
		mergeInputs[key] = "@execute_reconall." + key
	}
	if err := g.AddNode("merge_outflows", merge, mergeInputs, []string{"out"}, nil, ""); err != nil {
		return nil, err
	}

	reorient := toolOp(env, "reorient_outflows", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		base, _ := nodeops.SplitImageExt(in)
		out := filepath.Join(dir, base+".nii.gz")
		return &invocation{
			Argv: []string{"mri_convert", in, out},
			Log:  "reorient_" + base,
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("reorient_outflows", reorient,
		map[string]any{"in_file": "@merge_outflows"},
		[]string{"out_file"}, nil, "in_file"); err != nil {
		return nil, err
	}

	if err := g.AddNode("standardize_outflows", standardizeOutflowsOp(env),
		map[string]any{"in_files": "@reorient_outflows.out_file"},
		surfaceOutflows, surfaceOutflows, ""); err != nil {
		return nil, err
	}

	exports := []Export{
		{Name: "subject_dir", Node: "execute_reconall", Output: "subject_dir"},
	}
	for _, key := range surfaceOutflows {
		exports = append(exports, Export{Name: key, Node: "standardize_outflows", Output: key})
	}
	if bound.Params.Bool("report") {
		err := addFragmentNode(env, g, bound, map[string]any{
			"volumes": "@standardize_outflows.t1",
		})
		if err != nil {
			return nil, err
		}
		exports = append(exports, Export{Name: "report", Node: "report_template", Output: "html"})
	}

	return &Plan{Step: name, Type: bound.Params.Text("status"), Graph: g, Exports: exports}, nil
}

// addExecuteReconNode runs the reconstruction. The last data line becomes
// the T2 or FLAIR volume when the execution type asks for one.
func addExecuteReconNode(env Env, g *graph.Graph, bound *catalog.Bound) error {
	name := bound.Name()
	inFiles := make([]string, 0, len(bound.Card.Datalines))
	for _, line := range bound.Card.Datalines {
		inFiles = append(inFiles, line[0])
	}

	execType := bound.Params.Text("execution_type")
	t1s := inFiles
	var auxFile string
	if execType == "t2" || execType == "flair" {
		if len(inFiles) < 2 {
			return model.NewValidationError(fmt.Sprintf(
				"step %q: execution_type %q needs a %s volume on the last data line",
				name, execType, execType))
		}
		t1s = inFiles[:len(inFiles)-1]
		auxFile = inFiles[len(inFiles)-1]
	}

	op := toolOp(env, "execute_reconall", func(dir string, inputs map[string]any) (*invocation, error) {
		argv := []string{"recon-all", "-subjid", name, "-sd", dir}
		for _, t1 := range t1s {
			argv = append(argv, "-i", t1)
		}
		switch execType {
		case "t2":
			argv = append(argv, "-T2", auxFile, "-T2pial")
		case "flair":
			argv = append(argv, "-FLAIR", auxFile, "-FLAIRpial")
		}
		argv = append(argv, "-all")
		if bound.Params.Bool("hippo_subfields") {
			argv = append(argv, "-hippocampal-subfields-T1")
		}

		subjectDir := filepath.Join(dir, name)
		return &invocation{
			Argv: argv,
			Outs: map[string]any{
				"subject_dir": subjectDir,
				"t1":          filepath.Join(subjectDir, "mri", "T1.mgz"),
				"aseg":        filepath.Join(subjectDir, "mri", "aseg.mgz"),
				"wmparc":      filepath.Join(subjectDir, "mri", "wmparc.mgz"),
			},
		}, nil
	})
	return g.AddNode("execute_reconall", op, nil,
		[]string{"subject_dir", "t1", "aseg", "wmparc"}, nil, "")
}

// addReadReconNode exposes an existing reconstruction named by the first
// data line instead of running one.
func addReadReconNode(env Env, g *graph.Graph, bound *catalog.Bound) error {
	subjectDir := bound.Card.Datalines[0][0]
	op := graph.OpFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		outs := map[string]any{
			"subject_dir": subjectDir,
			"t1":          filepath.Join(subjectDir, "mri", "T1.mgz"),
			"aseg":        filepath.Join(subjectDir, "mri", "aseg.mgz"),
			"wmparc":      filepath.Join(subjectDir, "mri", "wmparc.mgz"),
		}
		for _, key := range append([]string{"subject_dir"}, surfaceOutflows...) {
			if _, err := os.Stat(outs[key].(string)); err != nil {
				return nil, fmt.Errorf("existing reconstruction is missing %s: %w", key, err)
			}
		}
		return outs, nil
	})
	return g.AddNode("execute_reconall", op, nil,
		[]string{"subject_dir", "t1", "aseg", "wmparc"}, nil, "")
}

// standardizeOutflowsOp renames the reoriented volumes to their canonical
// basenames, in merge order.
func standardizeOutflowsOp(env Env) graph.Op {
	dir := filepath.Join(env.WorkDir, "standardize_outflows")
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		files, err := inStrings(inputs, "in_files")
		if err != nil {
			return nil, err
		}
		if len(files) != len(surfaceOutflows) {
			return nil, fmt.Errorf("expected %d volumes, got %d", len(surfaceOutflows), len(files))
		}
		outs := make(map[string]any, len(files))
		for i, key := range surfaceOutflows {
			path, _, err := nodeops.RenameImage(key, files[i], "", dir)
			if err != nil {
				return nil, err
			}
			outs[key] = path
		}
		return outs, nil
	})
}
