package nodeops

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

// Parameter is one name/value pair shown in a report fragment.
type Parameter struct {
	Name  string
	Value string
}

// FragmentData feeds the per-step report fragment template.
type FragmentData struct {
	Step       string
	StepType   string
	Parameters []Parameter

	// Artifacts are paths relative to the fragment, typically images or
	// tables the step produced alongside it.
	Artifacts []string
}

var fragmentTmpl = template.Must(template.New("fragment").Parse(`<section class="step-report" id="{{.Step}}">
  <h2>{{.Step}} <small>({{.StepType}})</small></h2>
  <ul class="parameters">
{{- range .Parameters}}
    <li>{{.Name}} = {{.Value}}</li>
{{- end}}
  </ul>
{{- if .Artifacts}}
  <ul class="artifacts">
{{- range .Artifacts}}
    <li><a href="{{.}}">{{.}}</a></li>
{{- end}}
  </ul>
{{- end}}
</section>
`))

// WriteFragment renders a step's report fragment to
// <destDir>/<basename>.html and returns its path.
func WriteFragment(destDir, basename string, data FragmentData) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("write fragment: %w", err)
	}
	path := filepath.Join(destDir, basename+".html")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("write fragment: %w", err)
	}
	defer f.Close()

	if err := fragmentTmpl.Execute(f, data); err != nil {
		return "", fmt.Errorf("render fragment: %w", err)
	}
	return path, nil
}
