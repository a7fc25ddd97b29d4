package steps

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
)

// Node helpers shared across the imaging builders. Each adds one
// conventional tool node and hands back control through the usual
// "@node" reference strings.

// cropWindow reads the crop_start/crop_end parameters, which accept both
// the boolean false spellings and frame numbers. An end at or before the
// start disables end cropping.
func cropWindow(bound *catalog.Bound) (int, int, error) {
	start, err := catalog.ForceInt("crop_start", bound.Params.Text("crop_start"))
	if err != nil {
		return 0, 0, err
	}
	end, err := catalog.ForceInt("crop_end", bound.Params.Text("crop_end"))
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		end = 0
	}
	return start, end, nil
}

// addReorientNode standardizes the input's orientation.
func addReorientNode(env Env, g *graph.Graph, node string, inFile any) error {
	op := toolOp(env, node, func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "reoriented.nii.gz")
		return &invocation{
			Argv: []string{"fslreorient2std", in, out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode(node, op, map[string]any{"in_file": inFile}, []string{"out_file"}, nil, "")
}

// addCropNode trims frames off the start and end of the series. Without a
// crop window the upstream reference passes through untouched.
func addCropNode(env Env, g *graph.Graph, upstream string, cropStart, cropEnd int) (string, error) {
	if cropStart == 0 && cropEnd == 0 {
		return upstream, nil
	}
	size := -1
	if cropEnd > 0 {
		size = cropEnd - cropStart
	}
	op := toolOp(env, "crop_image", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "cropped.nii.gz")
		return &invocation{
			Argv: []string{"fslroi", in, out, strconv.Itoa(cropStart), strconv.Itoa(size)},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	err := g.AddNode("crop_image", op, map[string]any{"in_file": upstream}, []string{"out_file"}, nil, "")
	if err != nil {
		return "", err
	}
	return "@crop_image", nil
}

// addSmoothNode smooths the upstream image with the given kernel.
func addSmoothNode(env Env, g *graph.Graph, upstream string, fwhm int) error {
	op := toolOp(env, "smooth", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "smoothed.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", in, "-s", strconv.Itoa(fwhm), out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode("smooth", op, map[string]any{"in_file": upstream}, []string{"out_file"}, nil, "")
}

// addTmeanNode averages a series over time.
func addTmeanNode(env Env, g *graph.Graph, node, upstream string) error {
	op := toolOp(env, node, func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dir, "mean.nii.gz")
		return &invocation{
			Argv: []string{"fslmaths", in, "-Tmean", out},
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	return g.AddNode(node, op, map[string]any{"in_file": upstream}, []string{"out_file"}, nil, "")
}

// searchArgs renders flirt's search window options. Zero disables search.
func searchArgs(angle int) []string {
	if angle <= 0 {
		return []string{"-nosearch"}
	}
	window := fmt.Sprintf("%d %d", -angle, angle)
	return []string{
		"-searchrx", window,
		"-searchry", window,
		"-searchrz", window,
		"-coarsesearch", strconv.Itoa(angle),
		"-finesearch", strconv.Itoa(angle / 3),
	}
}
