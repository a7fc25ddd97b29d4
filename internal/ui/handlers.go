package ui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/me/godeck/pkg/model"
)

// runStates feeds the list page's state filter, in lifecycle order.
var runStates = []model.RunState{
	model.RunStateParsed,
	model.RunStateSinkResolved,
	model.RunStateRunning,
	model.RunStateReportAggregated,
	model.RunStateDone,
	model.RunStateFailed,
}

// artifactView is one delivered output prepared for rendering: its
// serving URL when the file sits inside the sink, and its size on disk.
type artifactView struct {
	Name string
	Path string
	Href string
	Size string
}

// stepView pairs a step record with its renderable artifacts.
type stepView struct {
	Step      model.StepRecord
	Artifacts []artifactView
}

// HandleRunList renders the run table, newest first.
func (ui *UI) HandleRunList(w http.ResponseWriter, r *http.Request) {
	opts := ui.parseListOptions(r)

	runs, total, err := ui.store.ListRuns(r.Context(), opts)
	if err != nil {
		ui.renderError(w, "Failed to load runs", err)
		return
	}

	data := map[string]any{
		"Title":      "Runs - DeckView",
		"Runs":       runs,
		"State":      opts.State,
		"States":     runStates,
		"Pagination": ui.buildPagination(opts, total),
	}
	ui.render(w, http.StatusOK, "runs/list", data)
}

// HandleRunDetail renders one run with its steps and delivered outputs.
func (ui *UI) HandleRunDetail(w http.ResponseWriter, r *http.Request) {
	run, ok := ui.loadRun(w, r)
	if !ok {
		return
	}

	data := map[string]any{
		"Title": run.DeckName + " - DeckView",
		"Run":   run,
		"Steps": ui.stepViews(run),
	}
	ui.render(w, http.StatusOK, "runs/detail", data)
}

// HandleRunReport serves the run's composite report.
func (ui *UI) HandleRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := ui.loadRun(w, r)
	if !ok {
		return
	}
	if run.ReportPath == "" {
		ui.renderNotFound(w, "Run has no composite report")
		return
	}
	http.ServeFile(w, r, run.ReportPath)
}

// HandleRunArtifact serves one delivered file out of the run's sink
// directory. Relative report asset links resolve through this route.
func (ui *UI) HandleRunArtifact(w http.ResponseWriter, r *http.Request) {
	run, ok := ui.loadRun(w, r)
	if !ok {
		return
	}
	if run.SinkDir == "" {
		ui.renderNotFound(w, "Run has no sink directory")
		return
	}
	path, err := artifactPath(run.SinkDir, chi.URLParam(r, "*"))
	if err != nil {
		ui.logger.Warn("artifact rejected", "run_id", run.ID, "error", err)
		ui.renderNotFound(w, "No such artifact")
		return
	}
	http.ServeFile(w, r, path)
}

// HandleHealth reports liveness for probes.
func (ui *UI) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(ui.startTime).Round(time.Second).String(),
	})
}

// loadRun fetches the run named in the URL, rendering the error pages
// itself. The second return value reports whether the caller may proceed.
func (ui *UI) loadRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := ui.store.GetRun(r.Context(), id)
	if err != nil {
		ui.renderError(w, "Failed to load run", err)
		return nil, false
	}
	if run == nil {
		ui.renderNotFound(w, "Run not found: "+id)
		return nil, false
	}
	return run, true
}

// artifactPath resolves rel inside the sink, rejecting anything that
// escapes it.
func artifactPath(sink, rel string) (string, error) {
	sink = filepath.Clean(sink)
	path := filepath.Join(sink, filepath.FromSlash(rel))
	if path == sink || !strings.HasPrefix(path, sink+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the sink", rel)
	}
	return path, nil
}

func (ui *UI) stepViews(run *model.Run) []stepView {
	views := make([]stepView, 0, len(run.Steps))
	for _, st := range run.Steps {
		v := stepView{Step: st}
		names := make([]string, 0, len(st.Outputs))
		for name := range st.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v.Artifacts = append(v.Artifacts, ui.artifactView(run, name, st.Outputs[name]))
		}
		views = append(views, v)
	}
	return views
}

func (ui *UI) artifactView(run *model.Run, name, path string) artifactView {
	av := artifactView{Name: name, Path: path, Size: "-"}
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		av.Size = humanize.Bytes(uint64(fi.Size()))
	}
	rel, err := filepath.Rel(run.SinkDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return av
	}
	av.Href = "/runs/" + run.ID + "/artifacts/" + filepath.ToSlash(rel)
	return av
}

func (ui *UI) parseListOptions(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	opts.State = q.Get("state")
	opts.Batch = q.Get("batch")
	opts.Clamp()
	return opts
}

func (ui *UI) buildPagination(opts model.ListOptions, total int) map[string]any {
	return map[string]any{
		"Total":      total,
		"Limit":      opts.Limit,
		"Offset":     opts.Offset,
		"HasMore":    opts.Offset+opts.Limit < total,
		"HasPrev":    opts.Offset > 0,
		"NextOffset": opts.Offset + opts.Limit,
		"PrevOffset": max(0, opts.Offset-opts.Limit),
	}
}

func (ui *UI) render(w http.ResponseWriter, status int, name string, data map[string]any) {
	var buf bytes.Buffer
	if err := renderTemplate(&buf, name, data); err != nil {
		ui.logger.Error("template render failed", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (ui *UI) renderError(w http.ResponseWriter, message string, err error) {
	ui.logger.Error(message, "error", err)
	ui.render(w, http.StatusInternalServerError, "error", map[string]any{
		"Title":   "Error - DeckView",
		"Message": message,
	})
}

func (ui *UI) renderNotFound(w http.ResponseWriter, message string) {
	ui.render(w, http.StatusNotFound, "error", map[string]any{
		"Title":   "Not Found - DeckView",
		"Message": message,
	})
}
