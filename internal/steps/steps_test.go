package steps

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/internal/stager"
	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner records every command and fabricates the files the imaging
// tools would leave behind, so step graphs execute without FSL or
// FreeSurfer installed.
type fakeRunner struct {
	mu   sync.Mutex
	cmds []nodeops.Command

	// onRun, when set, runs after the default fabrication to shape
	// outputs for a specific test.
	onRun func(cmd nodeops.Command) error
}

func (r *fakeRunner) Run(_ context.Context, cmd nodeops.Command) (*nodeops.CommandResult, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()

	if err := os.MkdirAll(cmd.Dir, 0o755); err != nil {
		return nil, err
	}
	if err := fabricateOutputs(cmd); err != nil {
		return nil, err
	}
	if r.onRun != nil {
		if err := r.onRun(cmd); err != nil {
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

// find returns the first recorded command for the given tool, or nil.
func (r *fakeRunner) find(tool string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cmds {
		if c.Argv[0] == tool {
			return c.Argv
		}
	}
	return nil
}

// fabricateOutputs creates the files each tool invocation would produce,
// derived from its argv the same way the builders derive their output
// paths.
func fabricateOutputs(cmd nodeops.Command) error {
	argv := cmd.Argv
	switch argv[0] {
	case "fslreorient2std", "fslroi", "fslmerge", "mri_convert", "nib-convert":
		return fabricate(argv[2])
	case "fslmaths":
		return fabricate(argv[len(argv)-1])
	case "fslsplit":
		for _, frame := range []string{"vol0000.nii.gz", "vol0001.nii.gz", "vol0002.nii.gz"} {
			if err := fabricate(filepath.Join(cmd.Dir, frame)); err != nil {
				return err
			}
		}
		return nil
	case "mcflirt":
		out := flagValue(argv, "-out") + ".nii.gz"
		if err := fabricate(out); err != nil {
			return err
		}
		if err := fabricate(out + ".par"); err != nil {
			return err
		}
		return os.MkdirAll(out+".mat", 0o755)
	case "flirt":
		for _, flag := range []string{"-out", "-omat"} {
			if path := flagValue(argv, flag); path != "" {
				if err := fabricate(path); err != nil {
					return err
				}
			}
		}
		if sched := flagValue(argv, "-schedule"); sched != "" {
			return fabricateScheduleCost(sched)
		}
		return nil
	case "applyxfm4D":
		return fabricate(argv[3])
	case "fslmeants":
		return fabricateText(flagValue(argv, "-o"), "0\n")
	case "recon-all":
		mri := filepath.Join(flagValue(argv, "-sd"), flagValue(argv, "-subjid"), "mri")
		for _, vol := range []string{"T1.mgz", "aseg.mgz", "wmparc.mgz"} {
			if err := fabricate(filepath.Join(mri, vol)); err != nil {
				return err
			}
		}
		return nil
	case "bet":
		if err := fabricate(argv[2]); err != nil {
			return err
		}
		for _, a := range argv {
			if a == "-m" {
				return fabricate(strings.TrimSuffix(argv[2], ".nii.gz") + "_mask.nii.gz")
			}
		}
		return nil
	case "fast":
		prefix := flagValue(argv, "-o")
		if err := fabricate(prefix + "_pve_1.nii.gz"); err != nil {
			return err
		}
		return fabricate(prefix + "_pve_2.nii.gz")
	case "mri_coreg":
		return fabricate(flagValue(argv, "--reg"))
	case "mri_vol2vol":
		return fabricate(flagValue(argv, "--o"))
	case "dcm2niix":
		return fabricate(filepath.Join(flagValue(argv, "-o"), flagValue(argv, "-f")+".nii.gz"))
	case "dcm2nii":
		base, _ := nodeops.SplitImageExt(argv[len(argv)-1])
		return fabricate(filepath.Join(flagValue(argv, "-o"), base+".nii.gz"))
	}
	return nil
}

// fabricateScheduleCost writes the cost file a measurecost schedule run
// would save, at the path named on the schedule's save line.
func fabricateScheduleCost(schedule string) error {
	data, err := os.ReadFile(schedule)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "save U "); ok {
			return fabricateText(strings.TrimSpace(rest), "0.5 0 0 0 0 0 0\n")
		}
	}
	return nil
}

func fabricate(path string) error {
	return fabricateText(path, "fabricated\n")
}

func fabricateText(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// flagValue returns the argument following the given flag, or "".
func flagValue(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func testEnv(t *testing.T, runner nodeops.Runner) Env {
	t.Helper()
	return Env{
		Logger:  testLogger(),
		Runner:  runner,
		WorkDir: t.TempDir(),
		SinkDir: t.TempDir(),
	}
}

func bindCard(t *testing.T, stepType string, params map[string]string, datalines [][]string) *catalog.Bound {
	t.Helper()
	cat, err := catalog.New(testLogger())
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	bound, err := cat.Bind(&deck.Card{StepType: stepType, Parameters: params, Datalines: datalines})
	if err != nil {
		t.Fatalf("bind %s card: %v", stepType, err)
	}
	return bound
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func nodeNames(p *Plan) []string {
	nodes := p.Graph.Nodes()
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names
}

func exportNames(p *Plan) []string {
	names := make([]string, 0, len(p.Exports))
	for _, e := range p.Exports {
		names = append(names, e.Name)
	}
	return names
}

func execute(t *testing.T, p *Plan) *graphResult {
	t.Helper()
	res, err := p.Graph.Execute(context.Background(), stager.NewFileStager())
	if err != nil {
		t.Fatalf("execute %s graph: %v", p.Step, err)
	}
	return &graphResult{t: t, res: res}
}

type graphResult struct {
	t   *testing.T
	res *graph.Result
}

func (r *graphResult) output(node, name string) string {
	r.t.Helper()
	v, ok := r.res.Output(node, name)
	if !ok {
		r.t.Fatalf("node %s recorded no output %s", node, name)
	}
	s, ok := v.(string)
	if !ok {
		r.t.Fatalf("output %s.%s is %T, not a path", node, name, v)
	}
	return s
}

func TestTypes(t *testing.T) {
	want := []string{"camra", "coregistration", "image", "import", "motion correction", "reconall", "tacs"}
	if got := Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestBuild_UnknownStepType(t *testing.T) {
	bound := &catalog.Bound{
		Card:   &deck.Card{StepType: "resample"},
		Record: &catalog.Record{},
		Params: deck.NewParams(nil),
	}
	_, err := Build(testEnv(t, &fakeRunner{}), bound)
	if err == nil {
		t.Fatal("expected error for unregistered step type")
	}
	if model.CodeOf(err) != model.ErrValidation {
		t.Errorf("CodeOf = %v, want %v", model.CodeOf(err), model.ErrValidation)
	}
}

func TestBuildImage_SingleFrame(t *testing.T) {
	runner := &fakeRunner{}
	env := testEnv(t, runner)
	src := t.TempDir()
	frame := writeFile(t, filepath.Join(src, "frame1.v"), "raw")
	writeFile(t, filepath.Join(src, "frame1.json"), `{"TracerName": "FDG"}`)

	bound := bindCard(t, "image", map[string]string{"name": "PETimage"}, [][]string{{frame}})
	plan, err := Build(env, bound)
	if err != nil {
		t.Fatalf("build image step: %v", err)
	}

	if plan.Step != "petimage" {
		t.Errorf("Step = %q, want %q", plan.Step, "petimage")
	}
	if plan.Type != "nibabel" {
		t.Errorf("Type = %q, want %q", plan.Type, "nibabel")
	}
	wantNodes := []string{"convert", "merge_frames", "find_sidecar", "standardize_filenames", "report_template"}
	if got := nodeNames(plan); !reflect.DeepEqual(got, wantNodes) {
		t.Errorf("nodes = %v, want %v", got, wantNodes)
	}
	if got, want := exportNames(plan), []string{"out_file", "report"}; !reflect.DeepEqual(got, want) {
		t.Errorf("exports = %v, want %v", got, want)
	}

	res := execute(t, plan)
	out := res.output("standardize_filenames", "out_file")
	if filepath.Base(out) != "petimage.nii.gz" {
		t.Errorf("standardized image = %s, want petimage.nii.gz", filepath.Base(out))
	}

	if got := runner.find("nib-convert"); got == nil {
		t.Fatal("nib-convert never ran")
	}
	if runner.count("fslmerge") != 0 {
		t.Error("single frame should not merge")
	}

	// Sink delivery places the image, merged sidecar and report under
	// <sink>/<step>/.
	stepSink := filepath.Join(env.SinkDir, "petimage")
	for _, name := range []string{"petimage.nii.gz", "petimage.json", "petimage_report.html"} {
		if _, err := os.Stat(filepath.Join(stepSink, name)); err != nil {
			t.Errorf("sink is missing %s: %v", name, err)
		}
	}
	sidecar, err := os.ReadFile(filepath.Join(stepSink, "petimage.json"))
	if err != nil {
		t.Fatalf("read delivered sidecar: %v", err)
	}
	if !strings.Contains(string(sidecar), "FDG") {
		t.Errorf("delivered sidecar lost the source metadata: %s", sidecar)
	}
}

func TestBuildImage_MergesFrames(t *testing.T) {
	runner := &fakeRunner{}
	env := testEnv(t, runner)
	src := t.TempDir()
	frames := [][]string{
		{writeFile(t, filepath.Join(src, "frame1.dcm"), "f1")},
		{writeFile(t, filepath.Join(src, "frame2.dcm"), "f2")},
	}

	bound := bindCard(t, "image", map[string]string{"method": "dcm2niix"}, frames)
	plan, err := Build(env, bound)
	if err != nil {
		t.Fatalf("build image step: %v", err)
	}
	if plan.Type != "dcm2niix" {
		t.Errorf("Type = %q, want %q", plan.Type, "dcm2niix")
	}

	execute(t, plan)
	if got := runner.count("dcm2niix"); got != 2 {
		t.Errorf("dcm2niix ran %d times, want 2", got)
	}
	merge := runner.find("fslmerge")
	if merge == nil {
		t.Fatal("two frames should merge")
	}
	if merge[1] != "-t" || len(merge) != 5 {
		t.Errorf("fslmerge argv = %v, want -t <out> and two frames", merge)
	}
}

func TestBuildImport_ConverterFromRecordType(t *testing.T) {
	runner := &fakeRunner{}
	env := testEnv(t, runner)
	src := t.TempDir()
	frame := writeFile(t, filepath.Join(src, "scan.dcm"), "raw")

	bound := bindCard(t, "import", map[string]string{"type": "dcm2nii"}, [][]string{{frame}})
	plan, err := Build(env, bound)
	if err != nil {
		t.Fatalf("build import step: %v", err)
	}
	if plan.Type != "dcm2nii" {
		t.Errorf("Type = %q, want %q", plan.Type, "dcm2nii")
	}

	execute(t, plan)
	argv := runner.find("dcm2nii")
	if argv == nil {
		t.Fatal("dcm2nii never ran")
	}
	if argv[len(argv)-1] != frame {
		t.Errorf("dcm2nii input = %s, want %s", argv[len(argv)-1], frame)
	}
}

func TestBuildImage_IteratedConvertLogsPerFrame(t *testing.T) {
	runner := &fakeRunner{}
	env := testEnv(t, runner)
	src := t.TempDir()
	frames := [][]string{
		{writeFile(t, filepath.Join(src, "a.v"), "a")},
		{writeFile(t, filepath.Join(src, "b.v"), "b")},
	}

	plan, err := Build(env, bindCard(t, "image", nil, frames))
	if err != nil {
		t.Fatalf("build image step: %v", err)
	}
	execute(t, plan)

	var logs []string
	runner.mu.Lock()
	for _, c := range runner.cmds {
		if c.Argv[0] == "nib-convert" {
			logs = append(logs, c.LogName)
		}
	}
	runner.mu.Unlock()
	if !reflect.DeepEqual(logs, []string{"convert_a", "convert_b"}) {
		t.Errorf("per-frame log names = %v, want [convert_a convert_b]", logs)
	}
}
