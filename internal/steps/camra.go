package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/pkg/model"
)

// Probabilistic target weights: gray matter keeps its intensity, white
// matter drops to half.
const (
	probabilisticWMWeight = "0.5"
	probabilisticGMWeight = "1.0"
)

// camraInputs are the classified data lines. The series and anatomical
// image come first; further lines are recognized by filename.
type camraInputs struct {
	fourD  string
	t1     string
	brain  string
	wmMask string
	gmMask string
	ct     string
}

func classifyCamraLines(lines [][]string) camraInputs {
	in := camraInputs{fourD: lines[0][0], t1: lines[1][0]}
	for _, line := range lines[2:] {
		path := line[0]
		base := strings.ToLower(filepath.Base(path))
		switch {
		case strings.Contains(base, "brain"):
			in.brain = path
		case strings.Contains(base, "wm"), strings.Contains(base, "whitematter"):
			in.wmMask = path
		case strings.Contains(base, "gm"), strings.Contains(base, "graymatter"):
			in.gmMask = path
		case strings.Contains(base, "ct"):
			in.ct = path
		}
	}
	return in
}

// buildCamra aligns a 4d series to an anatomical image by registering
// every source to every target variant and keeping the transform whose
// cost, measured on a common footing, lands at the requested rank.
// Rank 1 is the lowest cost.
func buildCamra(env Env, bound *catalog.Bound) (*Plan, error) {
	name := bound.Name()
	p := bound.Params
	in := classifyCamraLines(bound.Card.Datalines)
	g := newGraph(env, name)

	cropStart, cropEnd, err := cropWindow(bound)
	if err != nil {
		return nil, err
	}

	reorients := []struct{ node, path string }{
		{"reorient_4d_image", in.fourD},
		{"reorient_t1", in.t1},
		{"reorient_brain", in.brain},
		{"reorient_wmmask", in.wmMask},
		{"reorient_gmmask", in.gmMask},
		{"reorient_ct", in.ct},
	}
	for _, r := range reorients {
		if r.path == "" {
			continue
		}
		if err := addReorientNode(env, g, r.node, r.path); err != nil {
			return nil, err
		}
	}

	// Source branch: crop, smooth, time-average.
	cropped, err := addCropNode(env, g, "@reorient_4d_image", cropStart, cropEnd)
	if err != nil {
		return nil, err
	}
	smoothed := cropped
	if p.Int("smooth") > 0 {
		if err := addSmoothNode(env, g, cropped, p.Int("smooth")); err != nil {
			return nil, err
		}
		smoothed = "@smooth"
	}
	if err := addTmeanNode(env, g, "tmean", smoothed); err != nil {
		return nil, err
	}
	sources := []string{"@tmean"}
	if in.ct != "" {
		if err := addCTMaskNodes(env, g); err != nil {
			return nil, err
		}
		sources = append(sources, "@apply_ctmask")
	}

	targets, err := addTargetNodes(env, g, in)
	if err != nil {
		return nil, err
	}

	mats, err := addCandidateNodes(env, g, bound, sources, targets)
	if err != nil {
		return nil, err
	}
	if rank := p.Int("rank"); rank < 1 || rank > len(mats) {
		return nil, model.NewValidationError(fmt.Sprintf(
			"step %q: rank %d out of range, %d registration candidates", name, rank, len(mats)))
	}
	if err := addSelectBestNodes(env, g, bound, mats); err != nil {
		return nil, err
	}

	if err := g.AddNode("find_sidecar", sidecarOp(env, "find_sidecar", name, []string{in.fourD}),
		nil, []string{"sidecar"}, nil, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("standardize_filenames", renameImageOp(env, "standardize_filenames", name),
		map[string]any{"in_file": "@apply_best_xfm.out_file", "sidecar": "@find_sidecar"},
		[]string{"out_file", "sidecar"}, []string{"out_file", "sidecar"}, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("standardize_transform", renameTextOp(env, "standardize_transform", name),
		map[string]any{"in_file": "@select_best_coreg.mat"},
		[]string{"out_file"}, []string{"out_file"}, ""); err != nil {
		return nil, err
	}

	exports := []Export{
		{Name: "out_file", Node: "standardize_filenames", Output: "out_file"},
		{Name: "transform", Node: "standardize_transform", Output: "out_file"},
	}
	if p.Bool("report") {
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

// addCTMaskNodes builds the second source: the time-averaged series with
// everything outside the ct-derived brain zeroed out.
func addCTMaskNodes(env Env, g *graph.Graph) error {
	ctMath := toolOp(env, "ct_math", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "softtissue.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", in, "-thr", "0", "-uthr", "100", "-s", "1.0", out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("ct_math", ctMath, map[string]any{"in_file": "@reorient_ct"},
		[]string{"out_file"}, nil, ""); err != nil {
		return err
	}

	bet := toolOp(env, "bet_ctmask", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "ctbrain.nii.gz")
		return &invocation{
			Argv: []string{"bet", in, out, "-f", "0.35", "-m"},
			Outs: map[string]any{"mask_file": filepath.Join(dir, "ctbrain_mask.nii.gz")},
		}, nil
	})
	if err := g.AddNode("bet_ctmask", bet, map[string]any{"in_file": "@ct_math"},
		[]string{"mask_file"}, nil, ""); err != nil {
		return err
	}

	resample := toolOp(env, "resample_ct_to_pet", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "resampled_mask.nii.gz")
		return &invocation{
			Argv: []string{"flirt", "-in", in, "-ref", ref, "-applyxfm", "-usesqform", "-out", out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("resample_ct_to_pet", resample,
		map[string]any{"in_file": "@bet_ctmask.mask_file", "reference": "@tmean"},
		[]string{"out_file"}, nil, ""); err != nil {
		return err
	}

	return addMaskNode(env, g, "apply_ctmask", "@tmean", "@resample_ct_to_pet")
}

// addTargetNodes assembles the registration targets: the anatomical
// image itself, a brain extraction, the gray+white masked image, the
// gray masked image and a probability-weighted composite. Masks the
// card did not supply are derived from the anatomical image.
func addTargetNodes(env Env, g *graph.Graph, in camraInputs) ([]string, error) {
	brain := "@reorient_brain"
	if in.brain == "" {
		bet := toolOp(env, "bet_brainmask", func(dir string, inputs map[string]any) (*invocation, error) {
			t1, err := inString(inputs, "in_file")
			if err != nil {
				return nil, err
			}
			out := filepath.Join(dir, "brain.nii.gz")
			return &invocation{
				Argv: []string{"bet", t1, out},
				Outs: map[string]any{"out_file": out},
			}, nil
		})
		if err := g.AddNode("bet_brainmask", bet, map[string]any{"in_file": "@reorient_t1"},
			[]string{"out_file"}, nil, ""); err != nil {
			return nil, err
		}
		brain = "@bet_brainmask"
	}

	wm := "@reorient_wmmask"
	gm := "@reorient_gmmask"
	if in.wmMask == "" || in.gmMask == "" {
		segment := toolOp(env, "segment_t1", func(dir string, inputs map[string]any) (*invocation, error) {
			t1, err := inString(inputs, "in_file")
			if err != nil {
				return nil, err
			}
			prefix := filepath.Join(dir, "segment")
			return &invocation{
				Argv: []string{"fast", "-o", prefix, t1},
				Outs: map[string]any{
					"gm_image": prefix + "_pve_1.nii.gz",
					"wm_image": prefix + "_pve_2.nii.gz",
				},
			}, nil
		})
		if err := g.AddNode("segment_t1", segment, map[string]any{"in_file": "@reorient_t1"},
			[]string{"gm_image", "wm_image"}, nil, ""); err != nil {
			return nil, err
		}
		if in.wmMask == "" {
			wm = "@segment_t1.wm_image"
		}
		if in.gmMask == "" {
			gm = "@segment_t1.gm_image"
		}
	}

	binarize := toolOp(env, "binarize_segmentations", func(dir string, inputs map[string]any) (*invocation, error) {
		wmFile, err := inString(inputs, "wm_file")
		if err != nil {
			return nil, err
		}
		gmFile, err := inString(inputs, "gm_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "binarized.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", wmFile, "-add", gmFile, "-bin", out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("binarize_segmentations", binarize,
		map[string]any{"wm_file": wm, "gm_file": gm},
		[]string{"out_file"}, nil, ""); err != nil {
		return nil, err
	}
	if err := addMaskNode(env, g, "gmwmmasked_t1", "@reorient_t1", "@binarize_segmentations"); err != nil {
		return nil, err
	}
	if err := addMaskNode(env, g, "gmmasked_t1", "@reorient_t1", gm); err != nil {
		return nil, err
	}

	if err := addScaleNode(env, g, "wmmask_multiplier", wm, probabilisticWMWeight); err != nil {
		return nil, err
	}
	if err := addScaleNode(env, g, "gmmask_multiplier", gm, probabilisticGMWeight); err != nil {
		return nil, err
	}
	combine := toolOp(env, "combine_masks", func(dir string, inputs map[string]any) (*invocation, error) {
		wmFile, err := inString(inputs, "wm_file")
		if err != nil {
			return nil, err
		}
		gmFile, err := inString(inputs, "gm_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "combined.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", wmFile, "-add", gmFile, out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("combine_masks", combine,
		map[string]any{"wm_file": "@wmmask_multiplier", "gm_file": "@gmmask_multiplier"},
		[]string{"out_file"}, nil, ""); err != nil {
		return nil, err
	}
	prob := toolOp(env, "create_probabilistic_mask", func(dir string, inputs map[string]any) (*invocation, error) {
		t1, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		weights, err := inString(inputs, "operand_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "probabilistic.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", t1, "-mul", weights, out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("create_probabilistic_mask", prob,
		map[string]any{"in_file": "@reorient_t1", "operand_file": "@combine_masks"},
		[]string{"out_file"}, nil, ""); err != nil {
		return nil, err
	}

	return []string{
		"@reorient_t1",
		brain,
		"@gmwmmasked_t1",
		"@gmmasked_t1",
		"@create_probabilistic_mask",
	}, nil
}

// addMaskNode zeroes an image outside a binary mask.
func addMaskNode(env Env, g *graph.Graph, node, imageRef, maskRef string) error {
	op := toolOp(env, node, func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		mask, err := inString(inputs, "mask_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "masked.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", in, "-mas", mask, out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode(node, op, map[string]any{"in_file": imageRef, "mask_file": maskRef},
		[]string{"out_file"}, nil, "")
}

// addScaleNode multiplies an image by a constant.
func addScaleNode(env Env, g *graph.Graph, node, upstream, factor string) error {
	op := toolOp(env, node, func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "scaled.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", in, "-mul", factor, out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode(node, op, map[string]any{"in_file": upstream}, []string{"out_file"}, nil, "")
}

// addCandidateNodes registers every source to every target. The pairs
// are fixed once the card is classified, so each candidate gets its own
// numbered node. Returns the transform references in candidate order.
func addCandidateNodes(env Env, g *graph.Graph, bound *catalog.Bound, sources, targets []string) ([]string, error) {
	p := bound.Params
	mats := make([]string, 0, len(sources)*len(targets))
	for _, src := range sources {
		for _, tgt := range targets {
			node := fmt.Sprintf("flirt_coregistration_%02d", len(mats))
			op := toolOp(env, node, func(dir string, inputs map[string]any) (*invocation, error) {
				mov, err := inString(inputs, "in_file")
				if err != nil {
					return nil, err
				}
				ref, err := inString(inputs, "reference")
				if err != nil {
					return nil, err
				}
				out := filepath.Join(dir, "registered.nii.gz")
				mat := filepath.Join(dir, "transform.mat")
				argv := []string{
					"flirt", "-in", mov, "-ref", ref,
					"-out", out, "-omat", mat,
					"-bins", "256",
					"-dof", strconv.Itoa(p.Int("dof")),
					"-cost", p.Text("cost"),
				}
				argv = append(argv, searchArgs(p.Int("search_angle"))...)
				return &invocation{
					Argv: argv,
					Outs: map[string]any{"out_file": out, "out_matrix_file": mat},
				}, nil
			})
			if err := g.AddNode(node, op, map[string]any{"in_file": src, "reference": tgt},
				[]string{"out_file", "out_matrix_file"}, nil, ""); err != nil {
				return nil, err
			}
			mats = append(mats, "@"+node+".out_matrix_file")
		}
	}
	return mats, nil
}

// addSelectBestNodes scores every candidate on a common footing and
// selects one transform. Candidates registered to different targets
// cannot compare by their own registration costs, so each transform
// re-applies to the whole time-averaged series against the anatomical
// image and the cost is measured there.
func addSelectBestNodes(env Env, g *graph.Graph, bound *catalog.Bound, mats []string) error {
	p := bound.Params
	if err := addTmeanNode(env, g, "tmean_wholepet", "@reorient_4d_image"); err != nil {
		return err
	}

	selectInputs := make(map[string]any, 2*len(mats))
	for i, matRef := range mats {
		applyNode := fmt.Sprintf("apply_candidate_%02d", i)
		apply := toolOp(env, applyNode, func(dir string, inputs map[string]any) (*invocation, error) {
			in, err := inString(inputs, "in_file")
			if err != nil {
				return nil, err
			}
			ref, err := inString(inputs, "reference")
			if err != nil {
				return nil, err
			}
			mat, err := inString(inputs, "in_matrix_file")
			if err != nil {
				return nil, err
			}
			out := filepath.Join(dir, "resampled.nii.gz")
			return &invocation{
				Argv: []string{"flirt", "-in", in, "-ref", ref, "-applyxfm", "-init", mat, "-out", out},
				Outs: map[string]any{"out_file": out},
			}, nil
		})
		if err := g.AddNode(applyNode, apply,
			map[string]any{"in_file": "@tmean_wholepet", "reference": "@reorient_t1", "in_matrix_file": matRef},
			[]string{"out_file"}, nil, ""); err != nil {
			return err
		}

		costNode := fmt.Sprintf("measure_cost_%02d", i)
		if err := g.AddNode(costNode, measureCostOp(env, costNode, p.Text("cost")),
			map[string]any{"in_file": "@" + applyNode, "reference": "@reorient_t1"},
			[]string{"cost_file"}, nil, ""); err != nil {
			return err
		}

		selectInputs["cost_"+strconv.Itoa(i)] = "@" + costNode
		selectInputs["mat_"+strconv.Itoa(i)] = matRef
	}

	if err := g.AddNode("select_best_coreg", selectBestOp(len(mats), p.Int("rank")),
		selectInputs, []string{"mat", "index"}, nil, ""); err != nil {
		return err
	}

	applyBest := toolOp(env, "apply_best_xfm", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		mat, err := inString(inputs, "in_matrix_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "registered_4d.nii.gz")
		return &invocation{
			Argv: []string{"applyxfm4D", in, ref, out, mat, "-singlematrix"},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode("apply_best_xfm", applyBest,
		map[string]any{"in_file": "@reorient_4d_image", "reference": "@reorient_t1", "in_matrix_file": "@select_best_coreg.mat"},
		[]string{"out_file"}, nil, "")
}

// measureCostOp scores one resampled candidate against the anatomical
// reference. flirt exposes no direct cost query, so the op writes a
// schedule that measures the identity transform's cost and saves the
// value to a file.
func measureCostOp(env Env, node, cost string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		ref, err := inString(inputs, "reference")
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		costFile := filepath.Join(dir, "cost.txt")
		schedule := filepath.Join(dir, "measurecost.sched")
		content := "setscale 1\n" +
			"setrow UX 1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1\n" +
			"measurecost 6 UX 0 0 0 0 0 0 abs\n" +
			"save U " + costFile + "\n"
		if err := os.WriteFile(schedule, []byte(content), 0o644); err != nil {
			return nil, err
		}
		_, err = env.Runner.Run(ctx, nodeops.Command{
			Argv:    []string{"flirt", "-in", in, "-ref", ref, "-schedule", schedule, "-cost", cost},
			Dir:     dir,
			LogName: node,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"cost_file": costFile}, nil
	})
}

// selectBestOp ranks the measured costs ascending, ties broken by
// candidate order, and picks the transform at the requested rank.
func selectBestOp(candidates, rank int) graph.Op {
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		costs := make([]float64, candidates)
		for i := range costs {
			path, err := inString(inputs, "cost_"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			c, err := readCost(path)
			if err != nil {
				return nil, fmt.Errorf("candidate %d: %w", i, err)
			}
			costs[i] = c
		}
		order := make([]int, candidates)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return costs[order[a]] < costs[order[b]] })
		best := order[rank-1]
		mat, err := inString(inputs, "mat_"+strconv.Itoa(best))
		if err != nil {
			return nil, err
		}
		return map[string]any{"mat": mat, "index": best}, nil
	})
}

// readCost reads the first value the schedule run saved.
func readCost(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("cost file %s is empty", filepath.Base(path))
	}
	return strconv.ParseFloat(fields[0], 64)
}
