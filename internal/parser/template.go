package parser

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/godeck/pkg/model"
)

// ExpandTemplate turns one template deck plus a variable table into a deck
// per table column. The table's first column holds variable names; every
// other column is one run, its cells being the expressions assigned to
// those variables. The template's own *parameter block supplies base
// values that each run's column overrides. Generated decks are written to
// outDir as <template>_runNN.inp and their paths returned in table order.
func (p *Parser) ExpandTemplate(deckPath, tablePath, outDir string) ([]string, error) {
	lines, baseParams, err := readTemplate(deckPath)
	if err != nil {
		return nil, err
	}
	names, runs, err := readTable(tablePath)
	if err != nil {
		return nil, err
	}

	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	base := strings.TrimSuffix(filepath.Base(deckPath), filepath.Ext(deckPath))
	width := len(fmt.Sprintf("%d", len(runs)))

	var out []string
	for idx, run := range runs {
		params := make([][2]string, 0, len(baseParams)+len(names))
		seen := map[string]int{}
		for _, kv := range baseParams {
			seen[kv[0]] = len(params)
			params = append(params, kv)
		}
		for vi, name := range names {
			if pos, ok := seen[name]; ok {
				params[pos] = [2]string{name, run[vi]}
			} else {
				seen[name] = len(params)
				params = append(params, [2]string{name, run[vi]})
			}
		}

		path := filepath.Join(outDir, fmt.Sprintf("%s_run%0*d%s", base, width, idx, DeckExtension))
		if err := writeExpanded(path, lines, params); err != nil {
			return nil, err
		}
		p.logger.Info("deck generated from template", "template", deckPath, "deck", path)
		out = append(out, path)
	}
	return out, nil
}

// readTemplate loads the template deck, separating its *parameter block
// assignments from the remaining lines. Blank lines are dropped; the block
// itself is removed so a fresh one can be inserted per run.
func readTemplate(path string) (lines []string, params [][2]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open template: %w", err)
	}
	defer f.Close()

	raw, err := readLines(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read template: %w", err)
	}

	sawStart := false
	inBlock := false
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, cardMarker) {
			inBlock = strings.HasPrefix(strings.ToLower(line), paramMarker)
			if inBlock {
				continue
			}
			if strings.HasPrefix(strings.ToLower(line), startMarker) {
				sawStart = true
			}
			lines = append(lines, line)
			continue
		}
		if inBlock {
			if strings.HasPrefix(line, commentPrefix) {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, nil, model.NewDeckSyntaxError(
					fmt.Sprintf("template parameter block: malformed assignment %q", line))
			}
			params = append(params, [2]string{strings.TrimSpace(k), strings.TrimSpace(v)})
			continue
		}
		lines = append(lines, line)
	}
	if !sawStart {
		return nil, nil, model.NewDeckSyntaxError("template deck has no *start marker")
	}
	return lines, params, nil
}

// readTable parses the variable table: header row names the runs, each
// following row is variable name, then one expression per run.
func readTable(path string) (names []string, runs [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read table: %w", err)
	}
	if len(records) < 2 || len(records[0]) < 2 {
		return nil, nil, fmt.Errorf("table %s needs a header row plus one variable row and at least one run column", path)
	}

	runCount := len(records[0]) - 1
	runs = make([][]string, runCount)
	for _, row := range records[1:] {
		if len(row) != runCount+1 {
			return nil, nil, fmt.Errorf("table row %q has %d cells, want %d", row[0], len(row), runCount+1)
		}
		names = append(names, strings.TrimSpace(row[0]))
		for i := 0; i < runCount; i++ {
			runs[i] = append(runs[i], strings.TrimSpace(row[i+1]))
		}
	}
	return names, runs, nil
}

// writeExpanded writes one generated deck: the template lines with a fresh
// *parameter block inserted directly after *start.
func writeExpanded(path string, lines []string, params [][2]string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
		if strings.HasPrefix(strings.ToLower(line), startMarker) {
			sb.WriteString(paramMarker)
			sb.WriteByte('\n')
			for _, kv := range params {
				fmt.Fprintf(&sb, "%s = %s\n", kv[0], kv[1])
			}
		}
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write deck: %w", err)
	}
	return nil
}
