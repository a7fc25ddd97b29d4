package pipeline

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ReportSection pairs a step with the fragment file its graph rendered.
type ReportSection struct {
	Step         string
	FragmentPath string
}

// ReportFileName is the composite report's name under the sink root.
const ReportFileName = "report.html"

var compositeTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Deck}} report</title>
  <style>
    body { font-family: sans-serif; margin: 2rem auto; max-width: 60rem; padding: 0 1rem; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.3rem; }
    p.generated { color: #666; font-size: 0.85rem; }
    section.step-report { border-top: 1px solid #ccc; padding: 0.5rem 0 1rem; }
    h2 small { color: #666; font-weight: normal; }
    ul.parameters { color: #444; font-size: 0.9rem; list-style: none; padding-left: 0.5rem; }
    ul.artifacts a { color: #1a5276; }
  </style>
</head>
<body>
<h1>{{.Deck}}</h1>
<p class="generated">Generated {{.GeneratedAt}}</p>
{{range .Fragments}}{{.}}{{end}}</body>
</html>
`))

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// WriteCompositeReport folds the step fragments, in execution order,
// into <sinkDir>/report.html and returns its path. Relative asset
// links inside each fragment are rewritten under the step's sink
// subdirectory, where the artifacts were delivered.
func WriteCompositeReport(sinkDir, deckName string, sections []ReportSection) (string, error) {
	fragments := make([]template.HTML, 0, len(sections))
	for _, section := range sections {
		data, err := os.ReadFile(section.FragmentPath)
		if err != nil {
			return "", fmt.Errorf("read fragment for step %q: %w", section.Step, err)
		}
		fragments = append(fragments, template.HTML(rewriteAssetLinks(string(data), section.Step)))
	}

	var buf bytes.Buffer
	err := compositeTmpl.Execute(&buf, struct {
		Deck        string
		GeneratedAt string
		Fragments   []template.HTML
	}{
		Deck:        deckName,
		GeneratedAt: time.Now().Format(time.RFC1123),
		Fragments:   fragments,
	})
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}

	path := filepath.Join(sinkDir, ReportFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// rewriteAssetLinks prefixes relative hrefs with the step's sink
// subdirectory. Absolute paths, anchors and full URLs pass through.
func rewriteAssetLinks(fragment, step string) string {
	return hrefPattern.ReplaceAllStringFunc(fragment, func(match string) string {
		url := strings.TrimSuffix(strings.TrimPrefix(match, `href="`), `"`)
		if strings.HasPrefix(url, "/") || strings.HasPrefix(url, "#") || strings.Contains(url, "://") {
			return match
		}
		return `href="` + step + `/` + url + `"`
	})
}
