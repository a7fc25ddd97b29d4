package ui

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Template functions available in all templates. State helpers take any
// because run and step states are distinct string types.
var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"formatTimePtr": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"humanTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return humanize.Time(t)
	},
	"stateColor": func(state any) string {
		switch fmt.Sprint(state) {
		case "PENDING":
			return "yellow"
		case "PARSED", "SINK_RESOLVED", "RUNNING", "REPORT_AGGREGATED",
			"BOUND", "GRAPH_BUILT", "EXECUTED":
			return "blue"
		case "DONE", "OUTPUTS_RECORDED":
			return "green"
		case "FAILED":
			return "red"
		default:
			return "gray"
		}
	},
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
	"add": func(a, b int) int { return a + b },
	"sub": func(a, b int) int { return a - b },
}

// renderTemplate renders the named page inside the shared layout.
func renderTemplate(w io.Writer, name string, data map[string]any) error {
	content, ok := templates[name]
	if !ok {
		return fmt.Errorf("template not found: %s", name)
	}
	layout, ok := templates["layout"]
	if !ok {
		return fmt.Errorf("layout template not found")
	}

	tmpl, err := template.New("layout").Funcs(templateFuncs).Parse(layout)
	if err != nil {
		return fmt.Errorf("parse layout: %w", err)
	}
	if _, err := tmpl.New("content").Parse(content); err != nil {
		return fmt.Errorf("parse content: %w", err)
	}
	return tmpl.Execute(w, data)
}

// templates holds all page content, keyed by page name.
var templates = map[string]string{
	"layout": `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-50 min-h-screen">
    <nav class="bg-white shadow-sm border-b">
        <div class="max-w-6xl mx-auto px-4">
            <div class="flex h-14 items-center justify-between">
                <a href="/" class="text-xl font-bold text-indigo-600">DeckView</a>
                <span class="text-sm text-gray-500">run ledger</span>
            </div>
        </div>
    </nav>
    <main class="max-w-6xl mx-auto px-4 py-8">
{{template "content" .}}
    </main>
</body>
</html>`,

	"runs/list": `<div class="flex items-center justify-between mb-6">
    <h1 class="text-2xl font-bold text-gray-900">Runs</h1>
    <form method="get">
        <select name="state" onchange="this.form.submit()"
                class="border border-gray-300 rounded px-2 py-1 text-sm bg-white">
            <option value="">All states</option>
            {{range .States}}
            <option value="{{.}}" {{if eq (printf "%s" .) $.State}}selected{{end}}>{{.}}</option>
            {{end}}
        </select>
    </form>
</div>
{{if .Runs}}
<div class="bg-white shadow rounded-lg overflow-hidden">
    <table class="min-w-full divide-y divide-gray-200">
        <thead class="bg-gray-50">
            <tr>
                <th class="px-4 py-3 text-left text-xs font-medium text-gray-500 uppercase">Run</th>
                <th class="px-4 py-3 text-left text-xs font-medium text-gray-500 uppercase">Deck</th>
                <th class="px-4 py-3 text-left text-xs font-medium text-gray-500 uppercase">State</th>
                <th class="px-4 py-3 text-left text-xs font-medium text-gray-500 uppercase">Steps</th>
                <th class="px-4 py-3 text-left text-xs font-medium text-gray-500 uppercase">Created</th>
                <th class="px-4 py-3 text-left text-xs font-medium text-gray-500 uppercase">Report</th>
            </tr>
        </thead>
        <tbody class="divide-y divide-gray-200">
            {{range .Runs}}
            {{$c := stateColor .State}}
            <tr class="hover:bg-gray-50">
                <td class="px-4 py-3 text-sm font-mono">
                    <a href="/runs/{{.ID}}" class="text-indigo-600 hover:underline">{{truncate .ID 16}}</a>
                </td>
                <td class="px-4 py-3 text-sm text-gray-900">{{.DeckName}}</td>
                <td class="px-4 py-3">
                    <span class="inline-flex px-2 py-0.5 rounded-full text-xs font-medium bg-{{$c}}-100 text-{{$c}}-800">{{.State}}</span>
                </td>
                <td class="px-4 py-3 text-sm text-gray-500">{{.StepSummary.Recorded}}/{{.StepSummary.Total}}</td>
                <td class="px-4 py-3 text-sm text-gray-500" title="{{formatTime .CreatedAt}}">{{humanTime .CreatedAt}}</td>
                <td class="px-4 py-3 text-sm">
                    {{if .ReportPath}}<a href="/runs/{{.ID}}/report" class="text-indigo-600 hover:underline">report</a>{{else}}<span class="text-gray-400">-</span>{{end}}
                </td>
            </tr>
            {{end}}
        </tbody>
    </table>
</div>
{{with .Pagination}}
<div class="flex items-center justify-between mt-4 text-sm text-gray-500">
    <span>{{.Total}} runs</span>
    <div class="space-x-3">
        {{if .HasPrev}}<a class="text-indigo-600 hover:underline" href="?state={{$.State}}&amp;limit={{.Limit}}&amp;offset={{.PrevOffset}}">Previous</a>{{end}}
        {{if .HasMore}}<a class="text-indigo-600 hover:underline" href="?state={{$.State}}&amp;limit={{.Limit}}&amp;offset={{.NextOffset}}">Next</a>{{end}}
    </div>
</div>
{{end}}
{{else}}
<p class="text-gray-500">No runs recorded yet.</p>
{{end}}`,

	"runs/detail": `<div class="mb-6">
    <a href="/" class="text-sm text-indigo-600 hover:underline">&larr; All runs</a>
    <div class="flex items-center justify-between mt-2">
        <h1 class="text-2xl font-bold text-gray-900">{{.Run.DeckName}}</h1>
        {{$c := stateColor .Run.State}}
        <span class="inline-flex px-2.5 py-0.5 rounded-full text-sm font-medium bg-{{$c}}-100 text-{{$c}}-800">{{.Run.State}}</span>
    </div>
    <p class="text-sm text-gray-500 font-mono mt-1">{{.Run.ID}}</p>
</div>

<dl class="grid grid-cols-2 gap-x-8 gap-y-3 bg-white shadow rounded-lg p-4 mb-6 text-sm">
    <div><dt class="text-gray-500">Deck</dt><dd class="font-mono text-gray-900">{{.Run.DeckPath}}</dd></div>
    <div><dt class="text-gray-500">Sink</dt><dd class="font-mono text-gray-900">{{.Run.SinkDir}}</dd></div>
    <div><dt class="text-gray-500">Batch</dt><dd class="font-mono text-gray-900">{{if .Run.BatchID}}{{.Run.BatchID}}{{else}}-{{end}}</dd></div>
    <div><dt class="text-gray-500">Created</dt><dd class="text-gray-900" title="{{formatTime .Run.CreatedAt}}">{{humanTime .Run.CreatedAt}}</dd></div>
    <div><dt class="text-gray-500">Completed</dt><dd class="text-gray-900">{{formatTimePtr .Run.CompletedAt}}</dd></div>
    <div><dt class="text-gray-500">Report</dt><dd>{{if .Run.ReportPath}}<a class="text-indigo-600 hover:underline" href="/runs/{{.Run.ID}}/report">composite report</a>{{else}}<span class="text-gray-400">-</span>{{end}}</dd></div>
</dl>

{{if .Run.Error}}
<div class="bg-red-50 border border-red-200 text-red-800 rounded-lg p-4 mb-6 text-sm font-mono">{{.Run.Error}}</div>
{{end}}

<h2 class="text-lg font-semibold text-gray-900 mb-3">Steps</h2>
{{if .Steps}}
<div class="space-y-4">
    {{range .Steps}}
    {{$c := stateColor .Step.State}}
    <div class="bg-white shadow rounded-lg p-4">
        <div class="flex items-center justify-between">
            <div>
                <span class="font-medium text-gray-900">{{.Step.Name}}</span>
                <span class="ml-2 text-xs text-gray-500 uppercase">{{.Step.StepType}}</span>
            </div>
            <span class="inline-flex px-2 py-0.5 rounded-full text-xs font-medium bg-{{$c}}-100 text-{{$c}}-800">{{.Step.State}}</span>
        </div>
        {{if .Step.Error}}
        <p class="mt-2 text-sm text-red-700 font-mono">{{.Step.Error}}</p>
        {{end}}
        {{if .Artifacts}}
        <table class="mt-3 min-w-full text-sm">
            <tbody class="divide-y divide-gray-100">
                {{range .Artifacts}}
                <tr>
                    <td class="py-1.5 pr-4 text-gray-500 whitespace-nowrap">{{.Name}}</td>
                    <td class="py-1.5 pr-4 font-mono">
                        {{if .Href}}<a href="{{.Href}}" class="text-indigo-600 hover:underline">{{.Path}}</a>{{else}}{{.Path}}{{end}}
                    </td>
                    <td class="py-1.5 text-right text-gray-500 whitespace-nowrap">{{.Size}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
        {{end}}
    </div>
    {{end}}
</div>
{{else}}
<p class="text-gray-500">No steps recorded for this run.</p>
{{end}}`,

	"error": `<div class="bg-white shadow rounded-lg p-8 text-center">
    <h1 class="text-2xl font-bold text-gray-900 mb-2">{{.Title}}</h1>
    <p class="text-gray-500">{{.Message}}</p>
    <a href="/" class="inline-block mt-4 text-indigo-600 hover:underline">Back to runs</a>
</div>`,
}
