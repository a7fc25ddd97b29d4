package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/me/godeck/pkg/model"
)

func testGraph(stepName, sinkDir string) *Graph {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger, stepName, sinkDir)
}

// echoOp returns fixed outputs, recording the inputs it was called with.
type echoOp struct {
	mu      sync.Mutex
	outputs map[string]any
	calls   []map[string]any
}

func (e *echoOp) Run(_ context.Context, inputs map[string]any) (map[string]any, error) {
	e.mu.Lock()
	e.calls = append(e.calls, inputs)
	e.mu.Unlock()
	out := make(map[string]any, len(e.outputs))
	for k, v := range e.outputs {
		out[k] = v
	}
	return out, nil
}

// recordingDeliverer copies nothing; it just remembers what it was asked
// to deliver.
type recordingDeliverer struct {
	mu    sync.Mutex
	calls [][2]string
}

func (d *recordingDeliverer) Deliver(_ context.Context, localPath, destDir string) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, [2]string{localPath, destDir})
	d.mu.Unlock()
	return filepath.Join(destDir, filepath.Base(localPath)), nil
}

func TestAddNode_ForwardReferenceRejected(t *testing.T) {
	g := testGraph("moco", "")
	err := g.AddNode("crop", OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"out_file": "x"}, nil
	}), map[string]any{"in_file": "@reorient.out_file"}, []string{"out_file"}, nil, "")
	if err == nil {
		t.Fatal("expected error for reference to unregistered node")
	}
	if model.CodeOf(err) != model.ErrReference {
		t.Errorf("CodeOf = %v, want %v", model.CodeOf(err), model.ErrReference)
	}
}

func TestAddNode_UnknownOutputRejected(t *testing.T) {
	g := testGraph("moco", "")
	producer := &echoOp{outputs: map[string]any{"out_file": "a.nii.gz"}}
	if err := g.AddNode("reorient", producer, nil, []string{"out_file"}, nil, ""); err != nil {
		t.Fatalf("AddNode(reorient): %v", err)
	}
	err := g.AddNode("crop", producer, map[string]any{"in_file": "@reorient.matrix"}, []string{"out_file"}, nil, "")
	if err == nil {
		t.Fatal("expected error for undeclared output")
	}
	if model.CodeOf(err) != model.ErrReference {
		t.Errorf("CodeOf = %v, want %v", model.CodeOf(err), model.ErrReference)
	}
}

func TestAddNode_DuplicateNameRejected(t *testing.T) {
	g := testGraph("moco", "")
	op := &echoOp{outputs: map[string]any{"out_file": "a"}}
	if err := g.AddNode("reorient", op, nil, []string{"out_file"}, nil, ""); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := g.AddNode("reorient", op, nil, []string{"out_file"}, nil, ""); err == nil {
		t.Fatal("expected error for duplicate node name")
	}
}

func TestAddNode_SinkOutputMustBeDeclared(t *testing.T) {
	g := testGraph("moco", "/sink")
	op := &echoOp{outputs: map[string]any{"out_file": "a"}}
	err := g.AddNode("mc", op, nil, []string{"out_file"}, []string{"report"}, "")
	if err == nil {
		t.Fatal("expected error for undeclared sink output")
	}
	if model.CodeOf(err) != model.ErrValidation {
		t.Errorf("CodeOf = %v, want %v", model.CodeOf(err), model.ErrValidation)
	}
}

func TestAddNode_IterationFieldMustBeInput(t *testing.T) {
	g := testGraph("image", "")
	op := &echoOp{outputs: map[string]any{"out_file": "a"}}
	err := g.AddNode("convert", op, map[string]any{"in_file": "x"}, []string{"out_file"}, nil, "in_files")
	if err == nil {
		t.Fatal("expected error for iteration field that is not an input")
	}
}

func TestAddNode_IdempotentRebuild(t *testing.T) {
	build := func() *Graph {
		g := testGraph("moco", "/data/sink")
		reorient := &echoOp{outputs: map[string]any{"out_file": "r.nii.gz"}}
		mc := &echoOp{outputs: map[string]any{"out_file": "m.nii.gz", "motion_parameters": "m.par"}}
		if err := g.AddNode("reorient", reorient,
			map[string]any{"in_file": "raw.nii.gz"}, []string{"out_file"}, nil, ""); err != nil {
			t.Fatalf("AddNode(reorient): %v", err)
		}
		if err := g.AddNode("mcflirt", mc,
			map[string]any{"in_file": "@reorient", "ref_vol": 8},
			[]string{"out_file", "motion_parameters"}, []string{"out_file"}, ""); err != nil {
			t.Fatalf("AddNode(mcflirt): %v", err)
		}
		return g
	}

	a, b := build(), build()

	if !reflect.DeepEqual(a.SinkEdges(), b.SinkEdges()) {
		t.Errorf("sink edges differ: %v vs %v", a.SinkEdges(), b.SinkEdges())
	}
	an, bn := a.Nodes(), b.Nodes()
	if len(an) != len(bn) {
		t.Fatalf("node counts differ: %d vs %d", len(an), len(bn))
	}
	for i := range an {
		if an[i].Name != bn[i].Name {
			t.Errorf("nodes[%d] name = %q vs %q", i, an[i].Name, bn[i].Name)
		}
		if !reflect.DeepEqual(an[i].Outputs, bn[i].Outputs) {
			t.Errorf("node %q outputs differ: %v vs %v", an[i].Name, an[i].Outputs, bn[i].Outputs)
		}
		if !reflect.DeepEqual(an[i].ToSink, bn[i].ToSink) {
			t.Errorf("node %q sink outputs differ: %v vs %v", an[i].Name, an[i].ToSink, bn[i].ToSink)
		}
		if !reflect.DeepEqual(an[i].bindings, bn[i].bindings) {
			t.Errorf("node %q bindings differ: %+v vs %+v", an[i].Name, an[i].bindings, bn[i].bindings)
		}
	}
}

func TestExecute_RunsInDeclarationOrder(t *testing.T) {
	g := testGraph("moco", "")
	var mu sync.Mutex
	var order []string
	mk := func(name string) Op {
		return OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]any{"out_file": name + ".nii.gz"}, nil
		})
	}
	chain := []struct{ name, upstream string }{
		{"reorient", ""},
		{"crop", "reorient"},
		{"mcflirt", "crop"},
	}
	for _, n := range chain {
		inputs := map[string]any{}
		if n.upstream != "" {
			inputs["in_file"] = "@" + n.upstream
		}
		if err := g.AddNode(n.name, mk(n.name), inputs, []string{"out_file"}, nil, ""); err != nil {
			t.Fatalf("AddNode(%s): %v", n.name, err)
		}
	}

	res, err := g.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"reorient", "crop", "mcflirt"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("execution order = %v, want %v", order, want)
	}
	if v, _ := res.Output("mcflirt", "out_file"); v != "mcflirt.nii.gz" {
		t.Errorf("Output(mcflirt, out_file) = %v", v)
	}
}

func TestExecute_ResolvesReferenceToFirstOutput(t *testing.T) {
	g := testGraph("coreg", "")
	producer := &echoOp{outputs: map[string]any{"out_file": "aligned.nii.gz", "transform": "aff.mat"}}
	if err := g.AddNode("flirt", producer, nil, []string{"out_file", "transform"}, nil, ""); err != nil {
		t.Fatalf("AddNode(flirt): %v", err)
	}
	consumer := &echoOp{outputs: map[string]any{"report": "r.html"}}
	inputs := map[string]any{
		"first":   "@flirt",
		"named":   "@flirt.transform",
		"literal": "fixed.nii.gz",
	}
	if err := g.AddNode("report", consumer, inputs, []string{"report"}, nil, ""); err != nil {
		t.Fatalf("AddNode(report): %v", err)
	}

	if _, err := g.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(consumer.calls) != 1 {
		t.Fatalf("consumer ran %d times, want 1", len(consumer.calls))
	}
	got := consumer.calls[0]
	if got["first"] != "aligned.nii.gz" {
		t.Errorf("first = %v, want the producer's first declared output", got["first"])
	}
	if got["named"] != "aff.mat" {
		t.Errorf("named = %v, want aff.mat", got["named"])
	}
	if got["literal"] != "fixed.nii.gz" {
		t.Errorf("literal = %v, want pass-through", got["literal"])
	}
}

func TestExecute_OpFailure(t *testing.T) {
	g := testGraph("tacs", "")
	boom := OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("sampler crashed")
	})
	if err := g.AddNode("sample", boom, nil, []string{"tacs_file"}, nil, ""); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	_, err := g.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if model.CodeOf(err) != model.ErrExecution {
		t.Errorf("CodeOf = %v, want %v", model.CodeOf(err), model.ErrExecution)
	}
	var pe *model.PipelineError
	if errors.As(err, &pe) {
		if want := `step "tacs": node "sample": sampler crashed`; pe.Message != want {
			t.Errorf("Message = %q, want %q", pe.Message, want)
		}
	}
}

func TestExecute_MissingDeclaredOutput(t *testing.T) {
	g := testGraph("tacs", "")
	op := OpFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	if err := g.AddNode("sample", op, nil, []string{"tacs_file"}, nil, ""); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := g.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing declared output")
	}
}

func TestExecute_Iteration(t *testing.T) {
	g := testGraph("image", "")
	op := OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"out_file": fmt.Sprintf("%v.nii.gz", inputs["in_files"])}, nil
	})
	inputs := map[string]any{"in_files": []string{"a", "b", "c"}}
	if err := g.AddNode("convert", op, inputs, []string{"out_file"}, nil, "in_files"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	res, err := g.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := res.Output("convert", "out_file")
	want := []any{"a.nii.gz", "b.nii.gz", "c.nii.gz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("iterated output = %v, want %v", got, want)
	}
}

func TestExecute_IterationParallel(t *testing.T) {
	g := testGraph("image", "")
	g.MaxIterWorkers = 4
	op := OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"out_file": fmt.Sprintf("%v.nii.gz", inputs["in_files"])}, nil
	})
	elems := make([]string, 9)
	want := make([]any, 9)
	for i := range elems {
		elems[i] = fmt.Sprintf("vol%d", i)
		want[i] = fmt.Sprintf("vol%d.nii.gz", i)
	}
	if err := g.AddNode("convert", op, map[string]any{"in_files": elems}, []string{"out_file"}, nil, "in_files"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	res, err := g.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, _ := res.Output("convert", "out_file")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("iterated output = %v, want %v", got, want)
	}
}

func TestExecute_IterationElementFailure(t *testing.T) {
	g := testGraph("image", "")
	g.MaxIterWorkers = 2
	op := OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		if inputs["in_files"] == "bad" {
			return nil, errors.New("unreadable volume")
		}
		return map[string]any{"out_file": "ok"}, nil
	})
	inputs := map[string]any{"in_files": []string{"a", "bad", "c", "d"}}
	if err := g.AddNode("convert", op, inputs, []string{"out_file"}, nil, "in_files"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	_, err := g.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error from failing element")
	}
	if model.CodeOf(err) != model.ErrExecution {
		t.Errorf("CodeOf = %v, want %v", model.CodeOf(err), model.ErrExecution)
	}
}

func TestExecute_IterationRequiresCollection(t *testing.T) {
	g := testGraph("image", "")
	op := &echoOp{outputs: map[string]any{"out_file": "a"}}
	if err := g.AddNode("convert", op, map[string]any{"in_files": "single"}, []string{"out_file"}, nil, "in_files"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := g.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error for scalar iteration field")
	}
}

func TestExecute_DeliversSinkOutputs(t *testing.T) {
	g := testGraph("moco", "/data/sink")
	op := &echoOp{outputs: map[string]any{
		"out_file":          "/work/moco.nii.gz",
		"motion_parameters": "/work/moco.par",
	}}
	err := g.AddNode("mcflirt", op, nil,
		[]string{"out_file", "motion_parameters"},
		[]string{"out_file", "motion_parameters"}, "")
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	d := &recordingDeliverer{}
	res, err := g.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	key := "moco/mcflirt/out_file"
	want := []string{filepath.Join("/data/sink", "moco", "moco.nii.gz")}
	if !reflect.DeepEqual(res.Delivered[key], want) {
		t.Errorf("Delivered[%s] = %v, want %v", key, res.Delivered[key], want)
	}
	if len(d.calls) != 2 {
		t.Fatalf("deliverer ran %d times, want 2", len(d.calls))
	}
	for _, call := range d.calls {
		if call[1] != filepath.Join("/data/sink", "moco") {
			t.Errorf("delivery dir = %q, want the step's sink subdirectory", call[1])
		}
	}
}

func TestExecute_DeliversIteratedOutputs(t *testing.T) {
	g := testGraph("image", "/sink")
	op := OpFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"out_file": fmt.Sprintf("/work/%v.nii.gz", inputs["in_files"])}, nil
	})
	inputs := map[string]any{"in_files": []string{"a", "b"}}
	if err := g.AddNode("convert", op, inputs, []string{"out_file"}, []string{"out_file"}, "in_files"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	d := &recordingDeliverer{}
	res, err := g.Execute(context.Background(), d)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := res.Delivered["image/convert/out_file"]
	want := []string{
		filepath.Join("/sink", "image", "a.nii.gz"),
		filepath.Join("/sink", "image", "b.nii.gz"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Delivered = %v, want %v", got, want)
	}
}

func TestExecute_NoSinkDirRecordsNoEdges(t *testing.T) {
	g := testGraph("moco", "")
	op := &echoOp{outputs: map[string]any{"out_file": "/work/m.nii.gz"}}
	if err := g.AddNode("mc", op, nil, []string{"out_file"}, []string{"out_file"}, ""); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if len(g.SinkEdges()) != 0 {
		t.Errorf("SinkEdges = %v, want none without a sink dir", g.SinkEdges())
	}
	res, err := g.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Delivered) != 0 {
		t.Errorf("Delivered = %v, want empty", res.Delivered)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	g := testGraph("moco", "")
	op := &echoOp{outputs: map[string]any{"out_file": "a"}}
	if err := g.AddNode("mc", op, nil, []string{"out_file"}, nil, ""); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Execute(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute = %v, want context.Canceled", err)
	}
	if len(op.calls) != 0 {
		t.Errorf("op ran %d times after cancellation, want 0", len(op.calls))
	}
}
