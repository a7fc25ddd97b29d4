// Package pipeline drives deck runs. The driver resolves the sink,
// walks the cards through bind, build and execute, records each step's
// outputs for later reference tokens, folds the report fragments into
// one document, and mirrors every state change into the ledger when a
// store is configured.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/godeck/internal/catalog"
	"github.com/me/godeck/internal/graph"
	"github.com/me/godeck/internal/logging"
	"github.com/me/godeck/internal/nodeops"
	"github.com/me/godeck/internal/stager"
	"github.com/me/godeck/internal/steps"
	"github.com/me/godeck/internal/store"
	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// defaultMaxWorkers bounds concurrent cards when none is configured.
const defaultMaxWorkers = 4

// Options configures a Driver.
type Options struct {
	// WorkRoot hosts per-run scratch directories; empty uses the
	// system temp directory. Scratch is kept after the run so node
	// logs and intermediates stay inspectable.
	WorkRoot string

	// SinkOverride replaces the deck's sink card when non-empty.
	SinkOverride string

	// DryRun stops each step after graph construction; nothing
	// executes and nothing is delivered.
	DryRun bool

	// Parallel runs cards concurrently once the steps they reference
	// have recorded outputs.
	Parallel bool

	// MaxWorkers bounds concurrent cards when Parallel is set.
	MaxWorkers int

	// MaxIterWorkers bounds per-node iteration fan-out.
	MaxIterWorkers int

	// BatchID groups the runs launched by one invocation.
	BatchID string
}

// Driver executes parsed decks.
type Driver struct {
	logger  *slog.Logger
	catalog *catalog.Catalog
	runner  nodeops.Runner
	stager  stager.Stager
	store   store.Store // optional ledger, nil disables persistence
	opts    Options
}

// NewDriver assembles a driver. The store may be nil, as may the
// logger; every other collaborator is required. A missing batch ID gets
// generated, so even a single-deck invocation is traceable as a batch
// of one.
func NewDriver(logger *slog.Logger, cat *catalog.Catalog, runner nodeops.Runner, stg stager.Stager, st store.Store, opts Options) *Driver {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.BatchID == "" {
		opts.BatchID = "batch_" + uuid.NewString()
	}
	return &Driver{
		logger:  logger.With("component", "driver"),
		catalog: cat,
		runner:  runner,
		stager:  stg,
		store:   st,
		opts:    opts,
	}
}

// Run executes one deck and returns its run record. The record is
// returned for failed runs too, carrying the error and the per-step
// states reached.
func (d *Driver) Run(ctx context.Context, deckPath string, dk *deck.Deck) (*model.Run, error) {
	run := &model.Run{
		ID:        "run_" + uuid.NewString(),
		BatchID:   d.opts.BatchID,
		DeckPath:  deckPath,
		DeckName:  dk.Name,
		State:     model.RunStateParsed,
		Variables: dk.Vars,
		CreatedAt: time.Now().UTC(),
	}
	logger := d.logger.With("run_id", run.ID, "deck", dk.Name)
	logger.Info("run starting", "steps", len(dk.StepCards()))
	d.createRun(ctx, run)

	err := d.execute(ctx, logger, run, dk)

	now := time.Now().UTC()
	run.CompletedAt = &now
	if err != nil {
		run.State = model.RunStateFailed
		run.Error = err.Error()
		logger.Error("run failed", "code", model.CodeOf(err), "error", err)
	} else {
		run.State = model.RunStateDone
		logger.Info("run complete", "sink", run.SinkDir, "report", run.ReportPath)
	}
	d.saveRun(ctx, run)
	run.StepSummary = model.ComputeStepSummary(run.Steps)
	return run, err
}

// execute advances the run through its states, leaving terminal state
// handling to Run.
func (d *Driver) execute(ctx context.Context, logger *slog.Logger, run *model.Run, dk *deck.Deck) error {
	// A deck with free placeholders cannot run; the values would leak
	// into tool arguments as literal ${...} text.
	if len(dk.Unresolved) > 0 {
		names := make([]string, 0, len(dk.Unresolved))
		for name := range dk.Unresolved {
			names = append(names, name)
		}
		sort.Strings(names)
		return model.NewValidationError(fmt.Sprintf(
			"deck %q has unassigned placeholders: %s", dk.Name, strings.Join(names, ", ")))
	}

	cards := dk.StepCards()
	if len(cards) == 0 {
		return model.NewValidationError(fmt.Sprintf("deck %q has no step cards", dk.Name))
	}

	sink, err := d.resolveSink(dk)
	if err != nil {
		return err
	}
	run.SinkDir = sink
	if err := d.transitionRun(ctx, run, model.RunStateSinkResolved); err != nil {
		return err
	}
	logger.Debug("sink resolved", "sink", sink)

	workDir, err := d.workDirFor(run.ID)
	if err != nil {
		return model.NewExecutionError(fmt.Sprintf("create work directory: %v", err))
	}
	logger.Debug("scratch ready", "work_dir", workDir)

	if err := d.transitionRun(ctx, run, model.RunStateRunning); err != nil {
		return err
	}

	// Step records are created up front, in declaration order, so the
	// ledger shows the whole deck from the start.
	recs := make([]*model.StepRecord, len(cards))
	for i, card := range cards {
		recs[i] = &model.StepRecord{
			ID:         "stp_" + uuid.NewString(),
			RunID:      run.ID,
			Name:       card.Name(),
			StepType:   card.StepType,
			State:      model.StepStatePending,
			Parameters: card.Parameters,
		}
		d.createStep(ctx, recs[i])
	}

	table := NewOutputTable()
	var runErr error
	if d.opts.Parallel && len(cards) > 1 {
		runErr = d.runCardsParallel(ctx, logger, cards, recs, table, workDir, sink)
	} else {
		runErr = d.runCardsSequential(ctx, logger, cards, recs, table, workDir, sink)
	}
	for _, rec := range recs {
		run.Steps = append(run.Steps, *rec)
	}
	if runErr != nil {
		return runErr
	}

	// Fragments fold in declaration order, the order sequential
	// execution follows.
	var sections []ReportSection
	for _, rec := range recs {
		if fragment, ok := rec.Outputs["report"]; ok {
			sections = append(sections, ReportSection{Step: rec.Name, FragmentPath: fragment})
		}
	}
	if len(sections) > 0 {
		reportPath, err := WriteCompositeReport(sink, dk.Name, sections)
		if err != nil {
			return model.NewExecutionError(fmt.Sprintf("aggregate report: %v", err))
		}
		run.ReportPath = reportPath
		logger.Info("report aggregated", "path", reportPath, "fragments", len(sections))
	}
	return d.transitionRun(ctx, run, model.RunStateReportAggregated)
}

// runCardsSequential walks the cards in declaration order. The first
// failure skips everything after it.
func (d *Driver) runCardsSequential(ctx context.Context, logger *slog.Logger, cards []*deck.Card, recs []*model.StepRecord, table *OutputTable, workDir, sinkDir string) error {
	for i, card := range cards {
		if err := ctx.Err(); err != nil {
			d.skipSteps(ctx, recs[i:])
			return model.NewExecutionError(fmt.Sprintf("run cancelled: %v", err))
		}
		if err := d.runCard(ctx, logger, card, recs[i], table, workDir, sinkDir); err != nil {
			d.skipSteps(ctx, recs[i+1:])
			return err
		}
	}
	return nil
}

// runCardsParallel executes cards concurrently once every step they
// reference has recorded outputs. Only references to earlier cards
// gate scheduling; forward references fail at resolve time exactly as
// they do sequentially. After a failure no new cards dispatch, but
// in-flight cards run to completion so their records stay truthful.
func (d *Driver) runCardsParallel(ctx context.Context, logger *slog.Logger, cards []*deck.Card, recs []*model.StepRecord, table *OutputTable, workDir, sinkDir string) error {
	deps := AnalyzeDependencies(cards)
	workers := d.opts.MaxWorkers
	if workers <= 0 {
		workers = defaultMaxWorkers
	}

	index := make(map[string]int, len(cards))
	for i, card := range cards {
		index[card.Name()] = i
	}
	// Completion is tracked in the coordinator rather than read off the
	// shared step records, which in-flight goroutines are still writing.
	recorded := make([]bool, len(cards))
	ready := func(i int) bool {
		for _, producer := range deps.Producers(cards[i].Name()) {
			if !recorded[index[producer]] {
				return false
			}
		}
		return true
	}

	type result struct {
		index int
		err   error
	}
	results := make(chan result)
	slots := make(chan struct{}, workers)

	started := make([]bool, len(cards))
	running := 0
	var firstErr error

	for {
		if firstErr == nil {
			for i := range cards {
				if started[i] || !ready(i) {
					continue
				}
				started[i] = true
				running++
				go func(i int) {
					slots <- struct{}{}
					defer func() { <-slots }()
					err := d.runCard(ctx, logger, cards[i], recs[i], table, workDir, sinkDir)
					results <- result{index: i, err: err}
				}(i)
			}
		}
		if running == 0 {
			break
		}
		r := <-results
		running--
		if r.err == nil {
			recorded[r.index] = true
		} else if firstErr == nil {
			firstErr = r.err
		}
	}

	var blocked []*model.StepRecord
	for i := range cards {
		if !started[i] {
			blocked = append(blocked, recs[i])
		}
	}
	d.skipSteps(ctx, blocked)
	return firstErr
}

// runCard advances one card through bind, build, execute and output
// recording, persisting each transition.
func (d *Driver) runCard(ctx context.Context, logger *slog.Logger, card *deck.Card, rec *model.StepRecord, table *OutputTable, workDir, sinkDir string) error {
	logger = logger.With("step", rec.Name, "step_type", rec.StepType)
	started := time.Now().UTC()
	rec.StartedAt = &started

	fail := func(err error) error {
		rec.State = model.StepStateFailed
		rec.Error = err.Error()
		completed := time.Now().UTC()
		rec.CompletedAt = &completed
		d.saveStep(ctx, rec)
		logger.Error("step failed", "code", model.CodeOf(err), "error", err)
		return err
	}

	if table.Has(rec.Name) {
		return fail(model.NewValidationError(fmt.Sprintf(
			"step %q: a step with this name already recorded outputs", rec.Name)))
	}

	resolved, err := d.resolveDatalines(ctx, card, table, workDir)
	if err != nil {
		return fail(err)
	}
	// Data lines are rewritten at most once: references become the
	// recorded literals, locations become local paths.
	card.Datalines = resolved

	bound, err := d.catalog.Bind(card)
	if err != nil {
		return fail(err)
	}
	if err := d.transitionStep(ctx, rec, model.StepStateBound); err != nil {
		return fail(err)
	}

	env := steps.Env{
		Logger:         d.logger,
		Runner:         d.runner,
		WorkDir:        filepath.Join(workDir, rec.Name),
		SinkDir:        sinkDir,
		MaxIterWorkers: d.opts.MaxIterWorkers,
	}
	plan, err := steps.Build(env, bound)
	if err != nil {
		return fail(err)
	}
	if err := d.transitionStep(ctx, rec, model.StepStateGraphBuilt); err != nil {
		return fail(err)
	}

	if d.opts.DryRun {
		logger.Info("dry run, stopping after graph construction",
			"nodes", len(plan.Graph.Nodes()))
		completed := time.Now().UTC()
		rec.CompletedAt = &completed
		d.saveStep(ctx, rec)
		return nil
	}

	res, err := plan.Graph.Execute(ctx, d.stager)
	if err != nil {
		return fail(err)
	}
	if err := d.transitionStep(ctx, rec, model.StepStateExecuted); err != nil {
		return fail(err)
	}

	outputs := make([]Output, 0, len(plan.Exports))
	rec.Outputs = make(map[string]string, len(plan.Exports))
	for _, exp := range plan.Exports {
		value, err := exportValue(plan, res, exp)
		if err != nil {
			return fail(err)
		}
		outputs = append(outputs, Output{Name: exp.Name, Value: value})
		rec.Outputs[exp.Name] = value
	}
	if err := table.Record(rec.Name, outputs); err != nil {
		return fail(err)
	}
	if err := d.transitionStep(ctx, rec, model.StepStateOutputsRecorded); err != nil {
		return fail(err)
	}

	completed := time.Now().UTC()
	rec.CompletedAt = &completed
	d.saveStep(ctx, rec)
	logger.Info("step complete", "outputs", len(outputs), "duration", completed.Sub(started))
	return nil
}

// exportValue picks the recorded value for one export. When the export
// was delivered to the sink as a single file, the delivered copy is
// recorded so later steps and the ledger point at artifacts that
// outlive the scratch directory.
func exportValue(plan *steps.Plan, res *graph.Result, exp steps.Export) (string, error) {
	key := fmt.Sprintf("%s/%s/%s", plan.Step, exp.Node, exp.Output)
	if delivered := res.Delivered[key]; len(delivered) == 1 {
		return delivered[0], nil
	}

	raw, ok := res.Output(exp.Node, exp.Output)
	if !ok {
		return "", model.NewExecutionError(fmt.Sprintf(
			"step %q: export %q: node %q recorded no output %q",
			plan.Step, exp.Name, exp.Node, exp.Output))
	}
	value, ok := raw.(string)
	if !ok {
		return "", model.NewExecutionError(fmt.Sprintf(
			"step %q: export %q is not a single path (got %T)", plan.Step, exp.Name, raw))
	}
	return value, nil
}

// resolveDatalines returns the card's data lines with reference tokens
// replaced by recorded outputs and every other field staged to a local
// path.
func (d *Driver) resolveDatalines(ctx context.Context, card *deck.Card, table *OutputTable, workDir string) ([][]string, error) {
	stageDir := filepath.Join(workDir, card.Name(), "stage_in")
	lines := make([][]string, len(card.Datalines))
	for i, line := range card.Datalines {
		fields := make([]string, len(line))
		for j, field := range line {
			if deck.IsRef(field) {
				ref, err := deck.ParseRef(field)
				if err != nil {
					return nil, model.NewReferenceError(fmt.Sprintf(
						"step %q: data line %d: %v", card.Name(), i+1, err))
				}
				// A dry run executes nothing, so the token stands in
				// for the value a real run would have recorded.
				if d.opts.DryRun {
					fields[j] = field
					continue
				}
				value, err := table.Resolve(ref)
				if err != nil {
					return nil, err
				}
				fields[j] = value
				continue
			}
			if d.opts.DryRun && stager.IsRemote(field) {
				fields[j] = field
				continue
			}
			staged, err := d.stager.StageIn(ctx, field, stageDir)
			if err != nil {
				return nil, model.NewValidationError(fmt.Sprintf(
					"step %q: data line %d: %v", card.Name(), i+1, err))
			}
			fields[j] = staged
		}
		lines[i] = fields
	}
	return lines, nil
}

// resolveSink determines the run's sink root: the override, the deck's
// sink card, or the working directory. The directory is created so
// delivery never races its existence.
func (d *Driver) resolveSink(dk *deck.Deck) (string, error) {
	dir := d.opts.SinkOverride
	if dir == "" {
		if card := dk.Sink(); card != nil {
			// Binding enforces the sink shape: one line, one field.
			if _, err := d.catalog.Bind(card); err != nil {
				return "", err
			}
			dir = card.Datalines[0][0]
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return "", model.NewExecutionError(fmt.Sprintf("resolve sink: %v", err))
			}
			dir = cwd
		}
	}

	if stager.IsRemote(dir) {
		return "", model.NewValidationError(fmt.Sprintf(
			"sink %q: delivery needs a local directory", dir))
	}
	_, path := stager.ParseLocation(dir)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", model.NewExecutionError(fmt.Sprintf("resolve sink %q: %v", dir, err))
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", model.NewExecutionError(fmt.Sprintf("create sink %q: %v", abs, err))
	}
	return abs, nil
}

// workDirFor creates the run's scratch directory.
func (d *Driver) workDirFor(runID string) (string, error) {
	root := d.opts.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// skipSteps marks not-yet-started steps as skipped after a failure.
func (d *Driver) skipSteps(ctx context.Context, recs []*model.StepRecord) {
	for _, rec := range recs {
		if rec.State != model.StepStatePending {
			continue
		}
		rec.State = model.StepStateSkipped
		d.saveStep(ctx, rec)
	}
}

// --- state transitions and ledger plumbing ---

// transitionRun advances the run state, guarding against lifecycle
// violations, and persists the change.
func (d *Driver) transitionRun(ctx context.Context, run *model.Run, next model.RunState) error {
	if !run.State.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "run", ID: run.ID, From: run.State.String(), To: next.String(),
		}
	}
	run.State = next
	d.saveRun(ctx, run)
	return nil
}

// transitionStep advances a step state and persists the change.
func (d *Driver) transitionStep(ctx context.Context, rec *model.StepRecord, next model.StepState) error {
	if !rec.State.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "step", ID: rec.ID, From: rec.State.String(), To: next.String(),
		}
	}
	rec.State = next
	d.saveStep(ctx, rec)
	return nil
}

// Ledger writes are best-effort: a broken store must not take the
// pipeline down with it.

func (d *Driver) createRun(ctx context.Context, run *model.Run) {
	if d.store == nil {
		return
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		d.logger.Warn("ledger create run failed", "run_id", run.ID, "error", err)
	}
}

func (d *Driver) saveRun(ctx context.Context, run *model.Run) {
	if d.store == nil {
		return
	}
	if err := d.store.UpdateRun(ctx, run); err != nil {
		d.logger.Warn("ledger update run failed", "run_id", run.ID, "error", err)
	}
}

func (d *Driver) createStep(ctx context.Context, rec *model.StepRecord) {
	if d.store == nil {
		return
	}
	if err := d.store.CreateStep(ctx, rec); err != nil {
		d.logger.Warn("ledger create step failed", "step_id", rec.ID, "error", err)
	}
}

func (d *Driver) saveStep(ctx context.Context, rec *model.StepRecord) {
	if d.store == nil {
		return
	}
	if err := d.store.UpdateStep(ctx, rec); err != nil {
		d.logger.Warn("ledger update step failed", "step_id", rec.ID, "error", err)
	}
}
