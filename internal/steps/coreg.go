package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
)

// buildCoregistration aligns a source image to a target. 4d sources are
// averaged to a single volume for registration; the recovered transform
// then resamples the original series.
func buildCoregistration(env Env, bound *catalog.Bound) (*Plan, error) {
	name := bound.Name()
	source := bound.Card.Datalines[0][0]
	target := bound.Card.Datalines[0][1]
	g := newGraph(env, name)

	cropStart, cropEnd, err := cropWindow(bound)
	if err != nil {
		return nil, err
	}

	if err := addReorientNode(env, g, "reorient_source", source); err != nil {
		return nil, err
	}
	if err := addReorientNode(env, g, "reorient_target", target); err != nil {
		return nil, err
	}
	cropped, err := addCropNode(env, g, "@reorient_source", cropStart, cropEnd)
	if err != nil {
		return nil, err
	}

	if err := addTmeanNode(env, g, "tmean_source", cropped); err != nil {
		return nil, err
	}

	movRef := "@tmean_source"
	if bound.Params.Int("smooth") > 0 {
		if err := addSmoothNode(env, g, "@tmean_source", bound.Params.Int("smooth")); err != nil {
			return nil, err
		}
		movRef = "@smooth"
	}

	switch bound.Record.Type {
	case "flirt":
		err = addFlirtCoregNodes(env, g, bound, movRef)
	case "register":
		err = addRobustCoregNodes(env, g, bound, movRef)
	default:
		return nil, fmt.Errorf("coregistration type %q has no node set", bound.Record.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := g.AddNode("find_sidecar", sidecarOp(env, "find_sidecar", name, []string{source}),
		nil, []string{"sidecar"}, nil, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("standardize_filenames", renameImageOp(env, "standardize_filenames", name),
		map[string]any{"in_file": "@apply_transform.out_file", "sidecar": "@find_sidecar"},
		[]string{"out_file", "sidecar"}, []string{"out_file", "sidecar"}, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("standardize_transform", renameTextOp(env, "standardize_transform", name),
		map[string]any{"in_file": "@register.transform"},
		[]string{"out_file"}, []string{"out_file"}, ""); err != nil {
		return nil, err
	}

	exports := []Export{
		{Name: "out_file", Node: "standardize_filenames", Output: "out_file"},
		{Name: "transform", Node: "standardize_transform", Output: "out_file"},
	}
	if bound.Params.Bool("report") {
		err := addFragmentNode(env, g, bound, map[string]any{
			"registered": "@standardize_filenames.out_file",
			"transform":  "@standardize_transform.out_file",
		})
		if err != nil {
			return nil, err
		}
		exports = append(exports, Export{Name: "report", Node: "report_template", Output: "html"})
	}

	return &Plan{Step: name, Type: bound.Record.Type, Graph: g, Exports: exports}, nil
}

// addFlirtCoregNodes registers with flirt and resamples the original
// source through the recovered matrix.
func addFlirtCoregNodes(env Env, g *graph.Graph, bound *catalog.Bound, movRef string) error {
	p := bound.Params
	register := toolOp(env, "register", func(dir string, inputs map[string]any) (*invocation, error) {
		mov, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		mat := filepath.Join(dir, "transform.mat")
		argv := []string{
			"flirt", "-in", mov, "-ref", ref,
			"-omat", mat, "-bins", "256",
			"-dof", strconv.Itoa(p.Int("dof")),
			"-cost", p.Text("cost"),
		}
		argv = append(argv, searchArgs(p.Int("search_angle"))...)
		return &invocation{Argv: argv, Outs: map[string]any{"transform": mat}}, nil
	})
	err := g.AddNode("register", register,
		map[string]any{"in_file": movRef, "reference": "@reorient_target"},
		[]string{"transform"}, nil, "")
	if err != nil {
		return err
	}

	apply := toolOp(env, "apply_transform", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		mat, err := inString(inputs, "transform")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "registered.nii.gz")
		return &invocation{
			Argv: []string{
				"flirt", "-in", in, "-ref", ref,
				"-applyxfm", "-init", mat, "-out", out,
			},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode("apply_transform", apply,
		map[string]any{
			"in_file":   "@reorient_source",
			"reference": "@reorient_target",
			"transform": "@register.transform",
		},
		[]string{"out_file"}, nil, "")
}

// addRobustCoregNodes registers with FreeSurfer's coregistration and
// resamples through the recovered lta.
func addRobustCoregNodes(env Env, g *graph.Graph, bound *catalog.Bound, movRef string) error {
	p := bound.Params
	register := toolOp(env, "register", func(dir string, inputs map[string]any) (*invocation, error) {
		mov, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		lta := filepath.Join(dir, "transform.lta")
		return &invocation{
			Argv: []string{
				"mri_coreg", "--mov", mov, "--ref", ref,
				"--reg", lta,
				"--dof", strconv.Itoa(p.Int("dof")),
				"--cost", p.Text("cost"),
			},
			Outs: map[string]any{"transform": lta},
		}, nil
	})
	err := g.AddNode("register", register,
		map[string]any{"in_file": movRef, "reference": "@reorient_target"},
		[]string{"transform"}, nil, "")
	if err != nil {
		return err
	}

	apply := toolOp(env, "apply_transform", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		lta, err := inString(inputs, "transform")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "registered.nii.gz")
		return &invocation{
			Argv: []string{
				"mri_vol2vol", "--mov", in, "--targ", ref,
				"--lta", lta, "--o", out,
			},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode("apply_transform", apply,
		map[string]any{
			"in_file":   "@reorient_source",
			"reference": "@reorient_target",
			"transform": "@register.transform",
		},
		[]string{"out_file"}, nil, "")
}

// renameTextOp standardizes a text artifact (transform, parameter file)
// to the step's basename.
func renameTextOp(env Env, node, basename string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out, err := nodeops.RenameTextFile(basename, in, dir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"out_file": out}, nil
	})
}
