package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
)

// buildMotionCorrection corrects frame-to-frame motion in a 4d image.
// All three types share the reorient/crop front and the
// sidecar/rename/report tail; the correction itself differs per type.
func buildMotionCorrection(env Env, bound *catalog.Bound) (*Plan, error) {
	name := bound.Name()
	inFile := bound.Card.Datalines[0][0]
	g := newGraph(env, name)

	cropStart, cropEnd, err := cropWindow(bound)
	if err != nil {
		return nil, err
	}

	if err := addReorientNode(env, g, "reorient_in_file", inFile); err != nil {
		return nil, err
	}
	cropped, err := addCropNode(env, g, "@reorient_in_file", cropStart, cropEnd)
	if err != nil {
		return nil, err
	}

	var correctedRef, paramsRef string
	switch bound.Record.Type {
	case "mcflirt":
		correctedRef, paramsRef, err = addMcflirtNodes(env, g, bound, cropped, cropStart)
	case "flirt":
		correctedRef, paramsRef, err = addFlirtMocoNodes(env, g, bound, cropped, cropStart)
	case "twostep":
		correctedRef, paramsRef, err = addTwoStepNodes(env, g, bound, cropped, cropStart)
	default:
		return nil, fmt.Errorf("motion correction type %q has no node set", bound.Record.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := g.AddNode("find_sidecar", sidecarOp(env, "find_sidecar", name, []string{inFile}),
		nil, []string{"sidecar"}, nil, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("standardize_filenames", renameImageOp(env, "standardize_filenames", name),
		map[string]any{"in_file": correctedRef, "sidecar": "@find_sidecar"},
		[]string{"out_file", "sidecar"}, []string{"out_file", "sidecar"}, ""); err != nil {
		return nil, err
	}
	// The flirt variant's parameters are a transform directory; its
	// files deliver from centralize_xfm_mats instead.
	sinkParams := []string{"out_file"}
	if bound.Record.Type == "flirt" {
		sinkParams = nil
	}
	if err := g.AddNode("motion_parameters", renameMotionParams(env, name),
		map[string]any{"in_file": paramsRef},
		[]string{"out_file"}, sinkParams, ""); err != nil {
		return nil, err
	}

	exports := []Export{
		{Name: "out_file", Node: "standardize_filenames", Output: "out_file"},
		{Name: "motion_parameters", Node: "motion_parameters", Output: "out_file"},
	}
	if bound.Params.Bool("report") {
		err := addFragmentNode(env, g, bound, map[string]any{
			"corrected": "@standardize_filenames.out_file",
			"motion":    "@motion_parameters.out_file",
		})
		if err != nil {
			return nil, err
		}
		exports = append(exports, Export{Name: "report", Node: "report_template", Output: "html"})
	}

	return &Plan{Step: name, Type: bound.Record.Type, Graph: g, Exports: exports}, nil
}

// addMcflirtNodes corrects motion with a single mcflirt invocation, then
// resamples the original series through the recovered transforms.
func addMcflirtNodes(env Env, g *graph.Graph, bound *catalog.Bound, upstream string, cropStart int) (string, string, error) {
	p := bound.Params
	op := toolOp(env, "mcflirt_registration", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "moco")
		argv := []string{
			"mcflirt", "-in", in, "-out", out,
			"-cost", p.Text("cost"),
			"-smooth", strconv.Itoa(p.Int("smooth")),
			"-mats", "-plots",
		}
		if p.Bool("mean") {
			argv = append(argv, "-meanvol")
		} else {
			argv = append(argv, "-refvol", strconv.Itoa(p.Int("ref_vol")-cropStart))
		}
		return &invocation{
			Argv: argv,
			Outs: map[string]any{
				"out_file": out + ".nii.gz",
				"mat_dir":  out + ".nii.gz.mat",
				"par_file": out + ".nii.gz.par",
			},
		}, nil
	})
	err := g.AddNode("mcflirt_registration", op, map[string]any{"in_file": upstream},
		[]string{"out_file", "mat_dir", "par_file"}, nil, "")
	if err != nil {
		return "", "", err
	}

	if err := addApplyXfmNode(env, g, "@mcflirt_registration.mat_dir"); err != nil {
		return "", "", err
	}
	return "@get_motion_corrected_file.out_file", "@mcflirt_registration.par_file", nil
}

// addFlirtMocoNodes corrects motion frame by frame: the series splits into
// single volumes, each registers to a reference with flirt, and the
// recovered transforms resample the original series. The frame count is
// only known once the split runs, so the registration node iterates over
// the split's output collection.
func addFlirtMocoNodes(env Env, g *graph.Graph, bound *catalog.Bound, upstream string, cropStart int) (string, string, error) {
	p := bound.Params
	smoothed := upstream
	if p.Int("smooth") > 0 {
		if err := addSmoothNode(env, g, upstream, p.Int("smooth")); err != nil {
			return "", "", err
		}
		smoothed = "@smooth"
	}

	if err := addReferenceVolumeNode(env, g, smoothed, p.Bool("mean"), p.Int("ref_vol")-cropStart); err != nil {
		return "", "", err
	}
	if err := g.AddNode("split_4d", splitOp(env, "split_4d"),
		map[string]any{"in_file": upstream}, []string{"out_files"}, nil, ""); err != nil {
		return "", "", err
	}

	regOp := toolOp(env, "flirt_registration", func(dir string, inputs map[string]any) (*invocation, error) {
		frame, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		base, _ := nodeops.SplitImageExt(frame)
		mat := filepath.Join(dir, base+".mat")
		argv := []string{
			"flirt", "-in", frame, "-ref", ref,
			"-omat", mat, "-bins", "256",
			"-dof", "6", "-cost", p.Text("cost"),
		}
		argv = append(argv, searchArgs(p.Int("search_angle"))...)
		return &invocation{
			Argv: argv,
			Log:  "flirt_" + base,
			Outs: map[string]any{"out_matrix_file": mat},
		}, nil
	})
	err := g.AddNode("flirt_registration", regOp,
		map[string]any{"in_file": "@split_4d.out_files", "reference": "@get_reference_volume"},
		[]string{"out_matrix_file"}, nil, "in_file")
	if err != nil {
		return "", "", err
	}

	if err := g.AddNode("centralize_xfm_mats", centralizeMatsOp(env, "centralize_xfm_mats"),
		map[string]any{"mats": "@flirt_registration.out_matrix_file"},
		[]string{"mat_dir", "all_mats"}, []string{"all_mats"}, ""); err != nil {
		return "", "", err
	}
	if err := addApplyXfmNode(env, g, "@centralize_xfm_mats.mat_dir"); err != nil {
		return "", "", err
	}
	return "@get_motion_corrected_file.out_file", "@centralize_xfm_mats.mat_dir", nil
}

// addTwoStepNodes corrects motion in two passes: a first mcflirt pass to a
// frame reference, then a second pass registering to the mean of the
// corrected series.
func addTwoStepNodes(env Env, g *graph.Graph, bound *catalog.Bound, upstream string, cropStart int) (string, string, error) {
	p := bound.Params
	pass1 := toolOp(env, "mcflirt_pass1", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "pass1")
		return &invocation{
			Argv: []string{
				"mcflirt", "-in", in, "-out", out,
				"-refvol", strconv.Itoa(p.Int("ref_vol") - cropStart),
				"-cost", p.Text("cost"),
				"-smooth", strconv.Itoa(p.Int("smooth")),
			},
			Outs: map[string]any{"out_file": out + ".nii.gz"},
		}, nil
	})
	if err := g.AddNode("mcflirt_pass1", pass1, map[string]any{"in_file": upstream},
		[]string{"out_file"}, nil, ""); err != nil {
		return "", "", err
	}

	if err := addTmeanNode(env, g, "tmean_reference", "@mcflirt_pass1"); err != nil {
		return "", "", err
	}

	pass2 := toolOp(env, "mcflirt_pass2", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "pass2")
		return &invocation{
			Argv: []string{
				"mcflirt", "-in", in, "-out", out,
				"-reffile", ref,
				"-cost", p.Text("cost"),
				"-smooth", strconv.Itoa(p.Int("smooth")),
				"-mats", "-plots",
			},
			Outs: map[string]any{
				"out_file": out + ".nii.gz",
				"par_file": out + ".nii.gz.par",
			},
		}, nil
	})
	err := g.AddNode("mcflirt_pass2", pass2,
		map[string]any{"in_file": upstream, "reference": "@tmean_reference"},
		[]string{"out_file", "par_file"}, nil, "")
	if err != nil {
		return "", "", err
	}
	return "@mcflirt_pass2.out_file", "@mcflirt_pass2.par_file", nil
}

// addReferenceVolumeNode produces the registration target: the temporal
// mean, or one extracted frame.
func addReferenceVolumeNode(env Env, g *graph.Graph, upstream string, mean bool, refVol int) error {
	op := toolOp(env, "get_reference_volume", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "reference.nii.gz")
		argv := []string{"fslmaths", in, "-Tmean", out}
		if !mean {
			argv = []string{"fslroi", in, out, strconv.Itoa(refVol), "1"}
		}
		return &invocation{Argv: argv, Outs: map[string]any{"out_file": out}}, nil
	})
	return g.AddNode("get_reference_volume", op, map[string]any{"in_file": upstream},
		[]string{"out_file"}, nil, "")
}

// splitOp splits a 4d series into per-frame volumes. The frame files are
// discovered by globbing after the tool runs.
func splitOp(env Env, node string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		_, err = env.Runner.Run(ctx, nodeops.Command{
			Argv:    []string{"fslsplit", in, "vol", "-t"},
			Dir:     dir,
			LogName: node,
		})
		if err != nil {
			return nil, err
		}
		frames, err := filepath.Glob(filepath.Join(dir, "vol*.nii.gz"))
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, fmt.Errorf("split produced no frames in %s", dir)
		}
		sort.Strings(frames)
		return map[string]any{"out_files": frames}, nil
	})
}

// centralizeMatsOp gathers per-frame transforms into one directory with
// the MAT_0000 naming applyxfm4D expects. Outputs: mat_dir, all_mats.
func centralizeMatsOp(env Env, node string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		mats, err := inStrings(inputs, "mats")
		if err != nil {
			return nil, err
		}
		all := make([]string, 0, len(mats))
		for i, mat := range mats {
			dest := filepath.Join(dir, fmt.Sprintf("MAT_%04d", i))
			if err := nodeops.CopyFile(mat, dest); err != nil {
				return nil, fmt.Errorf("centralize transforms: %w", err)
			}
			all = append(all, dest)
		}
		return map[string]any{"mat_dir": dir, "all_mats": all}, nil
	})
}

// addApplyXfmNode resamples the original reoriented series through the
// transform directory, frame by frame.
func addApplyXfmNode(env Env, g *graph.Graph, matDirRef string) error {
	op := toolOp(env, "get_motion_corrected_file", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		matDir, err := inString(inputs, "mat_dir")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "corrected.nii.gz")
		return &invocation{
			Argv: []string{"applyxfm4D", in, in, out, matDir, "-fourdigit"},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode("get_motion_corrected_file", op,
		map[string]any{"in_file": "@reorient_in_file", "mat_dir": matDirRef},
		[]string{"out_file"}, nil, "")
}

// renameMotionParams standardizes the motion parameter artifact. Transform
// directories pass through under their own name.
func renameMotionParams(env Env, basename string) graph.Op {
	dir := filepath.Join(env.WorkDir, "motion_parameters")
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		if fi, err := os.Stat(in); err == nil && fi.IsDir() {
			// A directory of transforms, not a single parameter file.
			return map[string]any{"out_file": in}, nil
		}
		out, err := nodeops.RenameTextFile(basename, in, dir)
		if err != nil {
			return nil, err
		}
		return map[string]any{"out_file": out}, nil
	})
}

