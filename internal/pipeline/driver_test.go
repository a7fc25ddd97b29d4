package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/internal/stager"
	"github.com/me/godeck/internal/store"
	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner records every command and fabricates converter outputs, so
// image steps run without nibabel or FSL installed.
type fakeRunner struct {
	mu   sync.Mutex
	cmds []nodeops.Command

	// onRun, when set, runs before fabrication and can fail a command.
	onRun func(cmd nodeops.Command) error
}

func (r *fakeRunner) Run(_ context.Context, cmd nodeops.Command) (*nodeops.CommandResult, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()

	if err := os.MkdirAll(cmd.Dir, 0o755); err != nil {
		return nil, err
	}
	if r.onRun != nil {
		if err := r.onRun(cmd); err != nil {
			return nil, err
		}
	}
	switch cmd.Argv[0] {
	case "nib-convert", "fslmerge":
		out := cmd.Argv[2]
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(out, []byte("fabricated\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return &nodeops.CommandResult{}, nil
}

// count returns how many recorded commands ran the given tool.
func (r *fakeRunner) count(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c.Argv[0] == tool {
			n++
		}
	}
	return n
}

// inputs returns the first argument of every recorded invocation of the
// given tool.
func (r *fakeRunner) inputs(tool string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ins []string
	for _, c := range r.cmds {
		if c.Argv[0] == tool {
			ins = append(ins, c.Argv[1])
		}
	}
	return ins
}

func imageCard(name string, fields ...string) *deck.Card {
	lines := make([][]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, []string{f})
	}
	return &deck.Card{
		StepType:   "image",
		Parameters: map[string]string{"name": name},
		Datalines:  lines,
	}
}

func sinkCard(dir string) *deck.Card {
	return &deck.Card{StepType: "sink", Datalines: [][]string{{dir}}}
}

func newDeck(name string, cards ...*deck.Card) *deck.Deck {
	return &deck.Deck{Name: name, Cards: cards}
}

// writeFrame writes a small image file and its JSON sidecar, returning
// the image path.
func writeFrame(t *testing.T, dir, base string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	img := filepath.Join(dir, base+".v")
	if err := os.WriteFile(img, []byte("frame\n"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	sidecar := filepath.Join(dir, base+".json")
	if err := os.WriteFile(sidecar, []byte(`{"Modality": "PT"}`), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	return img
}

func newTestDriver(t *testing.T, runner nodeops.Runner, st store.Store, opts Options) *Driver {
	t.Helper()
	cat, err := catalog.New(testLogger())
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if opts.WorkRoot == "" {
		opts.WorkRoot = t.TempDir()
	}
	return NewDriver(testLogger(), cat, runner, stager.NewFileStager(), st, opts)
}

// testLedger opens a file-backed store so the driver and assertions see
// the same database regardless of connection pooling.
func testLedger(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewDriver_NilLogger(t *testing.T) {
	cat, err := catalog.New(testLogger())
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	d := NewDriver(nil, cat, &fakeRunner{}, stager.NewFileStager(), nil,
		Options{WorkRoot: t.TempDir(), DryRun: true})

	dk := newDeck("quiet", sinkCard(t.TempDir()),
		imageCard("a", writeFrame(t, t.TempDir(), "pet0")))
	run, err := d.Run(context.Background(), "decks/quiet.deck", dk)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.State != model.RunStateDone {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateDone)
	}
}

func stepByName(t *testing.T, run *model.Run, name string) *model.StepRecord {
	t.Helper()
	for i := range run.Steps {
		if run.Steps[i].Name == name {
			return &run.Steps[i]
		}
	}
	t.Fatalf("run has no step %q", name)
	return nil
}

func TestDriverRun_DeliversAndReports(t *testing.T) {
	sink := t.TempDir()
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("demo", sinkCard(sink), imageCard("a", frame), imageCard("b", "@a"))

	runner := &fakeRunner{}
	st := testLedger(t)
	d := newTestDriver(t, runner, st, Options{})

	run, err := d.Run(context.Background(), "decks/demo.deck", dk)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.State != model.RunStateDone {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateDone)
	}
	if run.SinkDir != sink {
		t.Errorf("sink dir = %q, want %q", run.SinkDir, sink)
	}
	if run.BatchID == "" {
		t.Error("run has no batch id")
	}
	if run.CompletedAt == nil {
		t.Error("run has no completion time")
	}
	if len(run.Steps) != 2 {
		t.Fatalf("steps = %d, want 2 (sink card is not a step)", len(run.Steps))
	}
	for _, rec := range run.Steps {
		if rec.State != model.StepStateOutputsRecorded {
			t.Errorf("step %s state = %s, want %s", rec.Name, rec.State, model.StepStateOutputsRecorded)
		}
		if rec.StartedAt == nil || rec.CompletedAt == nil {
			t.Errorf("step %s is missing timestamps", rec.Name)
		}
	}

	// Step a's image and sidecar land under the sink, and the recorded
	// output points at the delivered copy, not the scratch directory.
	wantOut := filepath.Join(sink, "a", "a.nii.gz")
	if got := stepByName(t, run, "a").Outputs["out_file"]; got != wantOut {
		t.Errorf("a out_file = %q, want %q", got, wantOut)
	}
	for _, rel := range []string{"a/a.nii.gz", "a/a.json", "a/a_report.html", "b/b.nii.gz"} {
		if _, err := os.Stat(filepath.Join(sink, rel)); err != nil {
			t.Errorf("missing sink artifact %s: %v", rel, err)
		}
	}

	// Step b consumed a's delivered image.
	ins := runner.inputs("nib-convert")
	if len(ins) != 2 {
		t.Fatalf("nib-convert invocations = %d, want 2", len(ins))
	}
	if ins[1] != wantOut {
		t.Errorf("b converted %q, want a's delivered image %q", ins[1], wantOut)
	}

	// The composite report sits at the sink root with fragments in
	// declaration order and asset links rewritten per step.
	if want := filepath.Join(sink, ReportFileName); run.ReportPath != want {
		t.Errorf("report path = %q, want %q", run.ReportPath, want)
	}
	data, err := os.ReadFile(run.ReportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	html := string(data)
	ai := strings.Index(html, `id="a"`)
	bi := strings.Index(html, `id="b"`)
	if ai < 0 || bi < 0 || ai > bi {
		t.Errorf("report sections out of order: a at %d, b at %d", ai, bi)
	}
	if !strings.Contains(html, `href="a/a.nii.gz"`) {
		t.Error("report does not link a's artifact under its step directory")
	}

	// The ledger saw the full lifecycle.
	stored, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored == nil {
		t.Fatal("run not in ledger")
	}
	if stored.State != model.RunStateDone {
		t.Errorf("stored state = %s, want %s", stored.State, model.RunStateDone)
	}
	if stored.StepSummary.Recorded != 2 {
		t.Errorf("stored summary recorded = %d, want 2", stored.StepSummary.Recorded)
	}
}

func TestDriverRun_ForwardReferenceFails(t *testing.T) {
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("fwd", sinkCard(t.TempDir()),
		imageCard("b", "@a.out_file"), imageCard("a", frame))

	runner := &fakeRunner{}
	d := newTestDriver(t, runner, nil, Options{})

	run, err := d.Run(context.Background(), "decks/fwd.deck", dk)
	if err == nil {
		t.Fatal("expected forward reference to fail")
	}
	if got := model.CodeOf(err); got != model.ErrReference {
		t.Errorf("code = %s, want %s", got, model.ErrReference)
	}
	if !strings.Contains(err.Error(), `no step named "a"`) {
		t.Errorf("error %q does not name the missing producer", err)
	}
	if run.State != model.RunStateFailed {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateFailed)
	}
	if got := stepByName(t, run, "b").State; got != model.StepStateFailed {
		t.Errorf("b state = %s, want %s", got, model.StepStateFailed)
	}
	if got := stepByName(t, run, "a").State; got != model.StepStateSkipped {
		t.Errorf("a state = %s, want %s", got, model.StepStateSkipped)
	}
	if runner.count("nib-convert") != 0 {
		t.Error("no conversion should run after a resolve failure")
	}
}

func TestDriverRun_BareAndNamedReferencesMatch(t *testing.T) {
	sink := t.TempDir()
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("refs", sinkCard(sink),
		imageCard("a", frame), imageCard("b", "@a"), imageCard("c", "@a.out_file"))

	runner := &fakeRunner{}
	d := newTestDriver(t, runner, nil, Options{})

	if _, err := d.Run(context.Background(), "decks/refs.deck", dk); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Both consumers converted the same delivered image: the bare token
	// selects the producer's first declared output.
	delivered := filepath.Join(sink, "a", "a.nii.gz")
	matches := 0
	for _, in := range runner.inputs("nib-convert") {
		if in == delivered {
			matches++
		}
	}
	if matches != 2 {
		t.Errorf("conversions of a's image = %d, want 2", matches)
	}
}

func TestDriverRun_UnassignedPlaceholders(t *testing.T) {
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("holes", sinkCard(t.TempDir()), imageCard("a", frame))
	dk.Unresolved = map[string]int{"subject": 2, "tracer": 1}

	d := newTestDriver(t, &fakeRunner{}, nil, Options{})

	run, err := d.Run(context.Background(), "decks/holes.deck", dk)
	if err == nil {
		t.Fatal("expected unassigned placeholders to fail")
	}
	if got := model.CodeOf(err); got != model.ErrValidation {
		t.Errorf("code = %s, want %s", got, model.ErrValidation)
	}
	if !strings.Contains(err.Error(), "subject, tracer") {
		t.Errorf("error %q does not list the placeholders in order", err)
	}
	if run.State != model.RunStateFailed {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateFailed)
	}
}

func TestDriverRun_MissingInputFailsStep(t *testing.T) {
	dk := newDeck("missing", sinkCard(t.TempDir()),
		imageCard("a", filepath.Join(t.TempDir(), "nowhere.v")), imageCard("b", "@a"))

	d := newTestDriver(t, &fakeRunner{}, nil, Options{})

	run, err := d.Run(context.Background(), "decks/missing.deck", dk)
	if err == nil {
		t.Fatal("expected missing input to fail")
	}
	if got := model.CodeOf(err); got != model.ErrValidation {
		t.Errorf("code = %s, want %s", got, model.ErrValidation)
	}
	if !strings.Contains(err.Error(), "data line 1") {
		t.Errorf("error %q does not locate the bad line", err)
	}
	if got := stepByName(t, run, "a").State; got != model.StepStateFailed {
		t.Errorf("a state = %s, want %s", got, model.StepStateFailed)
	}
	if got := stepByName(t, run, "b").State; got != model.StepStateSkipped {
		t.Errorf("b state = %s, want %s", got, model.StepStateSkipped)
	}
}

func TestDriverRun_ToolFailure(t *testing.T) {
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("boom", sinkCard(t.TempDir()), imageCard("a", frame), imageCard("b", "@a"))

	runner := &fakeRunner{onRun: func(cmd nodeops.Command) error {
		if cmd.Argv[0] == "nib-convert" && strings.Contains(cmd.Argv[1], "pet0") {
			return os.ErrPermission
		}
		return nil
	}}
	d := newTestDriver(t, runner, nil, Options{})

	run, err := d.Run(context.Background(), "decks/boom.deck", dk)
	if err == nil {
		t.Fatal("expected tool failure to fail the run")
	}
	if got := model.CodeOf(err); got != model.ErrExecution {
		t.Errorf("code = %s, want %s", got, model.ErrExecution)
	}
	if run.State != model.RunStateFailed {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateFailed)
	}
	a := stepByName(t, run, "a")
	if a.State != model.StepStateFailed {
		t.Errorf("a state = %s, want %s", a.State, model.StepStateFailed)
	}
	if a.Error == "" {
		t.Error("failed step carries no error")
	}
	if got := stepByName(t, run, "b").State; got != model.StepStateSkipped {
		t.Errorf("b state = %s, want %s", got, model.StepStateSkipped)
	}
}

func TestDriverRun_SinkOverride(t *testing.T) {
	deckSink := t.TempDir()
	override := filepath.Join(t.TempDir(), "elsewhere")
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("override", sinkCard(deckSink), imageCard("a", frame))

	d := newTestDriver(t, &fakeRunner{}, nil, Options{SinkOverride: override})

	run, err := d.Run(context.Background(), "decks/override.deck", dk)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.SinkDir != override {
		t.Errorf("sink dir = %q, want override %q", run.SinkDir, override)
	}
	if _, err := os.Stat(filepath.Join(override, "a", "a.nii.gz")); err != nil {
		t.Errorf("artifact not under override sink: %v", err)
	}
	if entries, _ := os.ReadDir(deckSink); len(entries) != 0 {
		t.Errorf("deck sink received %d entries, want none", len(entries))
	}
}

func TestDriverRun_SinkDefaultsToWorkingDirectory(t *testing.T) {
	t.Chdir(t.TempDir())
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("cwd", imageCard("a", frame))

	d := newTestDriver(t, &fakeRunner{}, nil, Options{})

	run, err := d.Run(context.Background(), "decks/cwd.deck", dk)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.SinkDir != cwd {
		t.Errorf("sink dir = %q, want working directory %q", run.SinkDir, cwd)
	}
}

func TestDriverRun_RemoteSinkRejected(t *testing.T) {
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("remote", imageCard("a", frame))

	d := newTestDriver(t, &fakeRunner{}, nil, Options{SinkOverride: "s3://bucket/out"})

	run, err := d.Run(context.Background(), "decks/remote.deck", dk)
	if err == nil {
		t.Fatal("expected remote sink to be rejected")
	}
	if got := model.CodeOf(err); got != model.ErrValidation {
		t.Errorf("code = %s, want %s", got, model.ErrValidation)
	}
	if !strings.Contains(err.Error(), "local directory") {
		t.Errorf("error %q does not explain the sink constraint", err)
	}
	if run.State != model.RunStateFailed {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateFailed)
	}
}

func TestDriverRun_DryRun(t *testing.T) {
	sink := t.TempDir()
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("dry", sinkCard(sink), imageCard("a", frame), imageCard("b", "@a"))

	runner := &fakeRunner{}
	d := newTestDriver(t, runner, nil, Options{DryRun: true})

	run, err := d.Run(context.Background(), "decks/dry.deck", dk)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if run.State != model.RunStateDone {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateDone)
	}
	for _, rec := range run.Steps {
		if rec.State != model.StepStateGraphBuilt {
			t.Errorf("step %s state = %s, want %s", rec.Name, rec.State, model.StepStateGraphBuilt)
		}
	}
	if len(runner.cmds) != 0 {
		t.Errorf("dry run executed %d commands, want 0", len(runner.cmds))
	}
	if run.ReportPath != "" {
		t.Errorf("dry run wrote a report at %q", run.ReportPath)
	}
	if _, err := os.Stat(filepath.Join(sink, "a")); !os.IsNotExist(err) {
		t.Error("dry run delivered artifacts")
	}
}

func TestDriverRun_ParallelDeliversAll(t *testing.T) {
	sink := t.TempDir()
	data := t.TempDir()
	frameA := writeFrame(t, data, "petA")
	frameB := writeFrame(t, data, "petB")
	dk := newDeck("par", sinkCard(sink),
		imageCard("a", frameA), imageCard("b", frameB), imageCard("c", "@a", "@b"))

	runner := &fakeRunner{}
	d := newTestDriver(t, runner, nil, Options{Parallel: true, MaxWorkers: 2})

	run, err := d.Run(context.Background(), "decks/par.deck", dk)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.State != model.RunStateDone {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateDone)
	}
	for _, rec := range run.Steps {
		if rec.State != model.StepStateOutputsRecorded {
			t.Errorf("step %s state = %s, want %s", rec.Name, rec.State, model.StepStateOutputsRecorded)
		}
	}

	// c waited for both producers, converted their delivered images and
	// merged the two frames.
	if _, err := os.Stat(filepath.Join(sink, "c", "c.nii.gz")); err != nil {
		t.Errorf("missing merged series: %v", err)
	}
	if got := runner.count("fslmerge"); got != 1 {
		t.Errorf("fslmerge invocations = %d, want 1", got)
	}
	wantIns := map[string]bool{
		filepath.Join(sink, "a", "a.nii.gz"): false,
		filepath.Join(sink, "b", "b.nii.gz"): false,
	}
	for _, in := range runner.inputs("nib-convert") {
		if _, ok := wantIns[in]; ok {
			wantIns[in] = true
		}
	}
	for in, seen := range wantIns {
		if !seen {
			t.Errorf("c never converted %s", in)
		}
	}

	// Fragments still fold in declaration order.
	content, err := os.ReadFile(run.ReportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	html := string(content)
	ai, bi, ci := strings.Index(html, `id="a"`), strings.Index(html, `id="b"`), strings.Index(html, `id="c"`)
	if ai < 0 || bi < 0 || ci < 0 || !(ai < bi && bi < ci) {
		t.Errorf("report sections out of order: a=%d b=%d c=%d", ai, bi, ci)
	}
}

func TestDriverRun_ParallelFailureSkipsDependents(t *testing.T) {
	data := t.TempDir()
	frameA := writeFrame(t, data, "petA")
	frameB := writeFrame(t, data, "petB")
	dk := newDeck("parfail", sinkCard(t.TempDir()),
		imageCard("a", frameA), imageCard("b", frameB), imageCard("c", "@a"))

	runner := &fakeRunner{onRun: func(cmd nodeops.Command) error {
		if cmd.Argv[0] == "nib-convert" && strings.Contains(cmd.Argv[1], "petA") {
			return os.ErrPermission
		}
		return nil
	}}
	d := newTestDriver(t, runner, nil, Options{Parallel: true, MaxWorkers: 2})

	run, err := d.Run(context.Background(), "decks/parfail.deck", dk)
	if err == nil {
		t.Fatal("expected producer failure to fail the run")
	}
	if got := model.CodeOf(err); got != model.ErrExecution {
		t.Errorf("code = %s, want %s", got, model.ErrExecution)
	}
	if got := stepByName(t, run, "a").State; got != model.StepStateFailed {
		t.Errorf("a state = %s, want %s", got, model.StepStateFailed)
	}
	// b was already in flight and runs to completion; c never became
	// ready behind its failed producer.
	if got := stepByName(t, run, "b").State; got != model.StepStateOutputsRecorded {
		t.Errorf("b state = %s, want %s", got, model.StepStateOutputsRecorded)
	}
	if got := stepByName(t, run, "c").State; got != model.StepStateSkipped {
		t.Errorf("c state = %s, want %s", got, model.StepStateSkipped)
	}
}

func TestDriverRun_CancelledContext(t *testing.T) {
	frame := writeFrame(t, t.TempDir(), "pet0")
	dk := newDeck("cancel", sinkCard(t.TempDir()), imageCard("a", frame))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDriver(t, &fakeRunner{}, nil, Options{})

	run, err := d.Run(ctx, "decks/cancel.deck", dk)
	if err == nil {
		t.Fatal("expected cancelled run to fail")
	}
	if got := model.CodeOf(err); got != model.ErrExecution {
		t.Errorf("code = %s, want %s", got, model.ErrExecution)
	}
	if got := stepByName(t, run, "a").State; got != model.StepStateSkipped {
		t.Errorf("a state = %s, want %s", got, model.StepStateSkipped)
	}
	if run.State != model.RunStateFailed {
		t.Errorf("run state = %s, want %s", run.State, model.RunStateFailed)
	}
}

func TestDriverRun_LedgerRecordsFailure(t *testing.T) {
	dk := newDeck("ledgerfail", sinkCard(t.TempDir()),
		imageCard("a", filepath.Join(t.TempDir(), "nowhere.v")))

	st := testLedger(t)
	d := newTestDriver(t, &fakeRunner{}, st, Options{})

	run, err := d.Run(context.Background(), "decks/ledgerfail.deck", dk)
	if err == nil {
		t.Fatal("expected run to fail")
	}

	stored, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored == nil {
		t.Fatal("failed run not in ledger")
	}
	if stored.State != model.RunStateFailed {
		t.Errorf("stored state = %s, want %s", stored.State, model.RunStateFailed)
	}
	if stored.Error == "" {
		t.Error("stored run carries no error")
	}
	if stored.StepSummary.Failed != 1 {
		t.Errorf("stored summary failed = %d, want 1", stored.StepSummary.Failed)
	}
}
