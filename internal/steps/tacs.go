package steps

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
)

// bqPerUCi converts becquerel voxel values to microcuries.
const bqPerUCi = 37000.0

// buildTacs samples regional time activity curves from a 4d image. The
// first data line is the series, every further line an atlas whose
// regions become curve columns.
func buildTacs(env Env, bound *catalog.Bound) (*Plan, error) {
	name := bound.Name()
	fourD := bound.Card.Datalines[0][0]
	atlases := make([]string, 0, len(bound.Card.Datalines)-1)
	for _, line := range bound.Card.Datalines[1:] {
		atlases = append(atlases, line[0])
	}
	g := newGraph(env, name)

	if err := addReorientNode(env, g, "reorient_4d", fourD); err != nil {
		return nil, err
	}

	reorientAtlas := toolOp(env, "reorient_atlas", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		base, _ := nodeops.SplitImageExt(in)
		out := filepath.Join(dir, base+".nii.gz")
		return &invocation{
			Argv: []string{"fslreorient2std", in, out},
			Log:  "reorient_" + base,
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	atlasList := make([]any, len(atlases))
	for i, a := range atlases {
		atlasList[i] = a
	}
	if err := g.AddNode("reorient_atlas", reorientAtlas,
		map[string]any{"in_file": atlasList},
		[]string{"out_file"}, nil, "in_file"); err != nil {
		return nil, err
	}

	if err := g.AddNode("find_4d_sidecar", sidecarOp(env, "find_4d_sidecar", name, []string{fourD}),
		nil, []string{"sidecar"}, nil, ""); err != nil {
		return nil, err
	}

	sample := toolOp(env, "sample_atlas", func(dir string, inputs map[string]any) (*invocation, error) {
		in, err := inString(inputs, "in_file")
		if err != nil {
			return nil, err
		}
		label, err := inString(inputs, "label")
		if err != nil {
			return nil, err
		}
		base, _ := nodeops.SplitImageExt(label)
		out := filepath.Join(dir, base+"_meants.txt")
		return &invocation{
			Argv: []string{"fslmeants", "-i", in, "--label=" + label, "-o", out},
			Log:  "fslmeants_" + base,
			Outs: map[string]any{"out_file": out},
		}, nil
	})
	if err := g.AddNode("sample_atlas", sample,
		map[string]any{"in_file": "@reorient_4d", "label": "@reorient_atlas.out_file"},
		[]string{"out_file"}, nil, "label"); err != nil {
		return nil, err
	}

	if err := g.AddNode("create_tacs", createTacsOp(env, bound, fourD, atlases),
		map[string]any{"meants": "@sample_atlas.out_file", "sidecar": "@find_4d_sidecar"},
		[]string{"tac_file"}, nil, ""); err != nil {
		return nil, err
	}

	if err := g.AddNode("standardize_filenames", renameTextOp(env, "standardize_filenames", name),
		map[string]any{"in_file": "@create_tacs"},
		[]string{"out_file"}, []string{"out_file"}, ""); err != nil {
		return nil, err
	}

	exports := []Export{
		{Name: "tacs_file", Node: "standardize_filenames", Output: "out_file"},
	}
	if bound.Params.Bool("report") {
		err := addFragmentNode(env, g, bound, map[string]any{
			"tacs": "@standardize_filenames.out_file",
		})
		if err != nil {
			return nil, err
		}
		exports = append(exports, Export{Name: "report", Node: "report_template", Output: "html"})
	}

	return &Plan{Step: name, Type: bound.Record.Type, Graph: g, Exports: exports}, nil
}

// createTacsOp assembles the sampled regional means into one
// tab-separated file: a row per frame indexed by its midtime, a column
// per region across all atlases. Values convert to microcuries unless
// becquerel output was asked for.
func createTacsOp(env Env, bound *catalog.Bound, fourD string, atlases []string) graph.Op {
	dir := filepath.Join(env.WorkDir, "create_tacs")
	units := bound.Params.Text("units")
	return graph.OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		meantsFiles, err := inStrings(inputs, "meants")
		if err != nil {
			return nil, err
		}
		sidecar, _ := inputs["sidecar"].(string)

		var labels []string
		var columns [][]float64
		for i, path := range meantsFiles {
			matrix, err := readMeants(path)
			if err != nil {
				return nil, fmt.Errorf("sampled means %s: %w", filepath.Base(path), err)
			}
			names := regionLabels(atlases[i], len(matrix[0]))
			for col := range matrix[0] {
				series := make([]float64, len(matrix))
				for row := range matrix {
					series[row] = matrix[row][col]
				}
				labels = append(labels, uniqueLabel(labels, names[col]))
				columns = append(columns, series)
			}
		}
		frames := len(columns[0])
		for i, col := range columns {
			if len(col) != frames {
				return nil, fmt.Errorf("region %s has %d frames, expected %d", labels[i], len(col), frames)
			}
		}

		scale := 1.0
		if units == "uci" {
			scale = 1 / bqPerUCi
		}
		midtimes := frameMidtimes(sidecar, frames)

		base, _ := nodeops.SplitImageExt(fourD)
		out := filepath.Join(dir, base+"_tacs.tsv")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.Create(out)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		w := csv.NewWriter(f)
		w.Comma = '\t'
		if err := w.Write(append([]string{"midtime"}, labels...)); err != nil {
			return nil, err
		}
		for row := 0; row < frames; row++ {
			record := make([]string, 0, len(columns)+1)
			record = append(record, formatCurveValue(midtimes[row]))
			for _, col := range columns {
				record = append(record, formatCurveValue(col[row]*scale))
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return map[string]any{"tac_file": out}, nil
	})
}

// readMeants parses the sampler's text output: one whitespace-separated
// row per frame, one column per region.
func readMeants(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", len(rows)+1, err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", len(rows)+1, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no samples")
	}
	return rows, nil
}

// regionLabels names an atlas's n sampled regions. The atlas sidecar's
// label_lookup supplies names keyed by label value; the sampler orders
// columns by ascending nonzero value, so the sorted lookup keys line up
// positionally. Without a usable lookup the columns get numbered names.
func regionLabels(atlas string, n int) []string {
	if lookup := readLabelLookup(atlas); lookup != nil {
		values := make([]int, 0, len(lookup))
		for k := range lookup {
			v, err := strconv.Atoi(k)
			if err != nil || v == 0 {
				continue
			}
			values = append(values, v)
		}
		if len(values) == n {
			sort.Ints(values)
			names := make([]string, n)
			for i, v := range values {
				names[i] = strings.ToLower(lookup[strconv.Itoa(v)])
			}
			return names
		}
	}
	base, _ := nodeops.SplitImageExt(atlas)
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s_roi%d", base, i+1)
	}
	return names
}

// readLabelLookup loads the label_lookup table from the atlas's sidecar,
// when one sits next to it.
func readLabelLookup(atlas string) map[string]string {
	base, _ := nodeops.SplitImageExt(atlas)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(atlas), base+".json"))
	if err != nil {
		return nil
	}
	var doc struct {
		LabelLookup map[string]string `json:"label_lookup"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.LabelLookup
}

// uniqueLabel suffixes duplicate region names so every column stays
// addressable.
func uniqueLabel(seen []string, label string) string {
	taken := func(s string) bool {
		for _, t := range seen {
			if t == s {
				return true
			}
		}
		return false
	}
	if !taken(label) {
		return label
	}
	for i := 1; ; i++ {
		candidate := label + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// frameMidtimes reads frame timing from the series sidecar. Without
// usable timing the frame index stands in.
func frameMidtimes(sidecar string, frames int) []float64 {
	mids := make([]float64, frames)
	for i := range mids {
		mids[i] = float64(i)
	}
	if sidecar == "" {
		return mids
	}
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return mids
	}
	var doc struct {
		FrameTimesStart []float64 `json:"FrameTimesStart"`
		FrameDuration   []float64 `json:"FrameDuration"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return mids
	}
	if len(doc.FrameTimesStart) != frames || len(doc.FrameDuration) != frames {
		return mids
	}
	for i := range mids {
		mids[i] = doc.FrameTimesStart[i] + doc.FrameDuration[i]/2
	}
	return mids
}

func formatCurveValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
