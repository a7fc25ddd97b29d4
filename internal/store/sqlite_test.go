package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/godeck/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string) *model.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Run{
		ID:        id,
		BatchID:   "batch_test-1",
		DeckPath:  "decks/subject01.deck",
		DeckName:  "subject01",
		SinkDir:   "/data/out/subject01",
		State:     model.RunStateParsed,
		Variables: map[string]string{"subject": "subject01"},
		CreatedAt: now,
	}
}

func sampleStep(runID, name string) *model.StepRecord {
	return &model.StepRecord{
		ID:         "step_" + runID + "_" + name,
		RunID:      runID,
		Name:       name,
		StepType:   "image",
		State:      model.StepStatePending,
		Parameters: map[string]string{"name": name, "method": "nibabel"},
		Outputs:    map[string]string{},
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time, should not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Run CRUD tests ---

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil run")
	}
	if got.ID != run.ID {
		t.Errorf("id = %q, want %q", got.ID, run.ID)
	}
	if got.DeckName != run.DeckName {
		t.Errorf("deck_name = %q, want %q", got.DeckName, run.DeckName)
	}
	if got.State != model.RunStateParsed {
		t.Errorf("state = %q, want %q", got.State, model.RunStateParsed)
	}
	if got.Variables["subject"] != "subject01" {
		t.Errorf("variables = %v, want subject entry", got.Variables)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil", got.CompletedAt)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	st := testStore(t)

	got, err := st.GetRun(context.Background(), "run_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestUpdateRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	run.State = model.RunStateDone
	run.ReportPath = "/data/out/subject01/report.html"
	run.CompletedAt = &now
	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.RunStateDone {
		t.Errorf("state = %q, want %q", got.State, model.RunStateDone)
	}
	if got.ReportPath != run.ReportPath {
		t.Errorf("report_path = %q, want %q", got.ReportPath, run.ReportPath)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, now)
	}
}

func TestUpdateRun_NotFound(t *testing.T) {
	st := testStore(t)

	run := sampleRun("run_missing")
	if err := st.UpdateRun(context.Background(), run); err == nil {
		t.Fatal("expected error updating missing run")
	}
}

func TestListRuns_FiltersAndPagination(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run := sampleRun(fmt.Sprintf("run_test-%d", i))
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			run.State = model.RunStateDone
		} else {
			run.State = model.RunStateFailed
			run.BatchID = "batch_other"
		}
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	runs, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(runs) != 5 {
		t.Fatalf("total = %d, len = %d, want 5, 5", total, len(runs))
	}
	// Newest first.
	if runs[0].ID != "run_test-4" {
		t.Errorf("first run = %q, want run_test-4", runs[0].ID)
	}

	failed, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 10, State: "FAILED"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(failed) != 2 {
		t.Fatalf("failed total = %d, len = %d, want 2, 2", total, len(failed))
	}

	batch, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 10, Batch: "batch_test-1"})
	if err != nil {
		t.Fatalf("list batch: %v", err)
	}
	if total != 3 || len(batch) != 3 {
		t.Fatalf("batch total = %d, len = %d, want 3, 3", total, len(batch))
	}

	page, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if total != 5 {
		t.Errorf("page total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page len = %d, want 2", len(page))
	}
}

// --- Step tests ---

func TestCreateAndListSteps(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for _, name := range []string{"pet", "moco", "coreg"} {
		if err := st.CreateStep(ctx, sampleStep(run.ID, name)); err != nil {
			t.Fatalf("create step %s: %v", name, err)
		}
	}

	steps, err := st.ListStepsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("len = %d, want 3", len(steps))
	}
	// Insertion order preserved.
	for i, want := range []string{"pet", "moco", "coreg"} {
		if steps[i].Name != want {
			t.Errorf("steps[%d].Name = %q, want %q", i, steps[i].Name, want)
		}
	}
	if steps[0].Parameters["method"] != "nibabel" {
		t.Errorf("parameters = %v, want method entry", steps[0].Parameters)
	}
}

func TestUpdateStep(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	step := sampleStep(run.ID, "pet")
	if err := st.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Millisecond)
	completed := started.Add(3 * time.Second)
	step.State = model.StepStateOutputsRecorded
	step.Outputs = map[string]string{"out_file": "/data/out/pet.nii.gz"}
	step.StartedAt = &started
	step.CompletedAt = &completed
	if err := st.UpdateStep(ctx, step); err != nil {
		t.Fatalf("update step: %v", err)
	}

	got, err := st.GetStep(ctx, step.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.State != model.StepStateOutputsRecorded {
		t.Errorf("state = %q, want %q", got.State, model.StepStateOutputsRecorded)
	}
	if got.Outputs["out_file"] != "/data/out/pet.nii.gz" {
		t.Errorf("outputs = %v, want out_file entry", got.Outputs)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
}

func TestGetRun_LoadsStepsAndSummary(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	recorded := sampleStep(run.ID, "pet")
	recorded.State = model.StepStateOutputsRecorded
	failed := sampleStep(run.ID, "moco")
	failed.State = model.StepStateFailed
	skipped := sampleStep(run.ID, "coreg")
	skipped.State = model.StepStateSkipped
	for _, step := range []*model.StepRecord{recorded, failed, skipped} {
		if err := st.CreateStep(ctx, step); err != nil {
			t.Fatalf("create step %s: %v", step.Name, err)
		}
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("steps len = %d, want 3", len(got.Steps))
	}
	sum := got.StepSummary
	if sum.Total != 3 || sum.Recorded != 1 || sum.Failed != 1 || sum.Skipped != 1 {
		t.Errorf("summary = %+v, want total 3, one each recorded/failed/skipped", sum)
	}
}

func TestListRuns_LoadsStepSummaries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("run_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	done := sampleStep(run.ID, "pet")
	done.State = model.StepStateOutputsRecorded
	if err := st.CreateStep(ctx, done); err != nil {
		t.Fatalf("create step: %v", err)
	}
	if err := st.CreateStep(ctx, sampleStep(run.ID, "moco")); err != nil {
		t.Fatalf("create step: %v", err)
	}

	runs, _, err := st.ListRuns(ctx, model.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len = %d, want 1", len(runs))
	}
	sum := runs[0].StepSummary
	if sum.Total != 2 || sum.Recorded != 1 || sum.Pending != 1 {
		t.Errorf("summary = %+v, want total 2, recorded 1, pending 1", sum)
	}
}

// --- Batch failure tests ---

func TestRecordAndListBatchFailures(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := &model.BatchFailure{
		BatchID:  "batch_test-1",
		DeckPath: "decks/subject02.deck",
		RunID:    "run_test-2",
		Code:     model.ErrExecution,
		Message:  "step \"moco\": node \"mcflirt_registration\": exit status 1",
		FailedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	second := &model.BatchFailure{
		BatchID:  "batch_test-1",
		DeckPath: "decks/subject04.deck",
		Code:     model.ErrDeckSyntax,
		Message:  "line 3: card has no step type",
		FailedAt: first.FailedAt.Add(time.Minute),
	}
	other := &model.BatchFailure{
		BatchID:  "batch_other",
		DeckPath: "decks/subject09.deck",
		Code:     model.ErrValidation,
		Message:  "unknown parameter",
		FailedAt: first.FailedAt,
	}
	for _, f := range []*model.BatchFailure{first, second, other} {
		if err := st.RecordBatchFailure(ctx, f); err != nil {
			t.Fatalf("record %s: %v", f.DeckPath, err)
		}
	}

	failures, err := st.ListBatchFailures(ctx, "batch_test-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("len = %d, want 2", len(failures))
	}
	if failures[0].DeckPath != "decks/subject02.deck" {
		t.Errorf("first deck = %q, want subject02", failures[0].DeckPath)
	}
	if failures[0].Code != model.ErrExecution {
		t.Errorf("code = %q, want %q", failures[0].Code, model.ErrExecution)
	}
	if failures[1].RunID != "" {
		t.Errorf("second run_id = %q, want empty", failures[1].RunID)
	}
}
