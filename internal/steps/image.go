package steps

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
)

// buildImage converts input images to compressed NIfTI with the method
// parameter's converter. Multiple inputs convert independently and merge
// into one series.
func buildImage(env Env, bound *catalog.Bound) (*Plan, error) {
	return buildConversion(env, bound, bound.Params.Text("method"))
}

// buildImport is the image module keyed by converter type instead of the
// method parameter.
func buildImport(env Env, bound *catalog.Bound) (*Plan, error) {
	return buildConversion(env, bound, bound.Record.Type)
}

// buildConversion assembles the shared convert/merge/rename/report graph.
// Conversion iterates over the input files; the merge waits for every
// frame.
func buildConversion(env Env, bound *catalog.Bound, converter string) (*Plan, error) {
	name := bound.Name()
	inFiles := make([]string, 0, len(bound.Card.Datalines))
	for _, line := range bound.Card.Datalines {
		inFiles = append(inFiles, line[0])
	}
	g := newGraph(env, name)

	convert := toolOp(env, "convert", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_files")
		if err != nil {
			return nil, err
		}
		base, _ := nodeops.SplitImageExt(in)
		out := filepath.Join(dir, base+".nii.gz")
		argv, err := converterArgv(converter, in, base, dir, out)
		if err != nil {
			return nil, err
		}
		return &invocation{
			Argv: argv,
			Log:  "convert_" + base,
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	err := g.AddNode("convert", convert, map[string]any{"in_files": inFiles},
		[]string{"out_file"}, nil, "in_files")
	if err != nil {
		return nil, err
	}

	if err := g.AddNode("merge_frames", mergeFramesOp(env, "merge_frames"),
		map[string]any{"in_files": "@convert.out_file"},
		[]string{"out_file"}, nil, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("find_sidecar", sidecarOp(env, "find_sidecar", name, inFiles),
		nil, []string{"sidecar"}, nil, ""); err != nil {
		return nil, err
	}
	if err := g.AddNode("standardize_filenames", renameImageOp(env, "standardize_filenames", name),
		map[string]any{"in_file": "@merge_frames.out_file", "sidecar": "@find_sidecar"},
		[]string{"out_file", "sidecar"}, []string{"out_file", "sidecar"}, ""); err != nil {
		return nil, err
	}

	exports := []Export{
		{Name: "out_file", Node: "standardize_filenames", Output: "out_file"},
	}
	if bound.Params.Bool("report") {
		err := addFragmentNode(env, g, bound, map[string]any{
			"image": "@standardize_filenames.out_file",
		})
		if err != nil {
			return nil, err
		}
		exports = append(exports, Export{Name: "report", Node: "report_template", Output: "html"})
	}

	return &Plan{Step: name, Type: converter, Graph: g, Exports: exports}, nil
}

// converterArgv maps a converter name to its command line.
func converterArgv(converter, in, base, dir, out string) ([]string, error) {
	switch converter {
	case "nibabel":
		return []string{"nib-convert", in, out}, nil
	case "dcm2niix":
		return []string{"dcm2niix", "-z", "y", "-f", base, "-o", dir, in}, nil
	case "dcm2nii":
		return []string{"dcm2nii", "-g", "y", "-o", dir, in}, nil
	}
	return nil, fmt.Errorf("no converter named %q", converter)
}

// mergeFramesOp concatenates converted volumes along time. A single
// volume passes through untouched.
func mergeFramesOp(env Env, node string) graph.Op {
	dir := filepath.Join(env.WorkDir, node)
	return graph.OpFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		files, err := inStrings(inputs, "in_files")
		if err != nil {
			return nil, err
		}
		if len(files) == 1 {
			return map[string]any{"out_file": files[0]}, nil
		}

		out := filepath.Join(dir, "merged.nii.gz")
		argv := append([]string{"fslmerge", "-t", out}, files...)
		_, err = env.Runner.Run(ctx, nodeops.Command{Argv: argv, Dir: dir, LogName: node})
		if err != nil {
			return nil, err
		}
		return map[string]any{"out_file": out}, nil
	})
}
