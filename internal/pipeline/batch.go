package pipeline

import (
	"context"
	"time"

	"github.com/me/godeck/pkg/deck"
	"github.com/me/godeck/pkg/model"
)

// BatchItem is one deck queued for a batch run. A non-nil Err marks a
// deck that failed to load; it is recorded as failed without running.
type BatchItem struct {
	Path string
	Deck *deck.Deck
	Err  error
}

// BatchResult summarizes a batch: every run record plus the failures
// in order of occurrence.
type BatchResult struct {
	ID       string
	Runs     []*model.Run
	Failures []model.BatchFailure
}

// Failed reports whether any deck in the batch failed.
func (r *BatchResult) Failed() bool {
	return len(r.Failures) > 0
}

// RunBatch executes the decks one after another. A failing deck is
// recorded and the batch proceeds; only a cancelled context stops the
// remaining decks, each recorded as failed without running.
func (d *Driver) RunBatch(ctx context.Context, items []BatchItem) *BatchResult {
	batch := &BatchResult{ID: d.opts.BatchID}
	logger := d.logger.With("batch_id", batch.ID)
	logger.Info("batch starting", "decks", len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			d.recordFailure(ctx, batch, item.Path, "",
				model.NewExecutionError("batch cancelled: "+err.Error()))
			continue
		}
		if item.Err != nil {
			logger.Error("deck unusable, batch proceeding", "deck", item.Path, "error", item.Err)
			d.recordFailure(ctx, batch, item.Path, "", item.Err)
			continue
		}

		run, err := d.Run(ctx, item.Path, item.Deck)
		batch.Runs = append(batch.Runs, run)
		if err != nil {
			logger.Error("deck failed, batch proceeding",
				"deck", item.Path, "run_id", run.ID, "error", err)
			d.recordFailure(ctx, batch, item.Path, run.ID, err)
		}
	}

	logger.Info("batch finished",
		"decks", len(items), "failed", len(batch.Failures))
	return batch
}

// recordFailure appends to the failure list and mirrors it into the
// ledger.
func (d *Driver) recordFailure(ctx context.Context, batch *BatchResult, deckPath, runID string, err error) {
	failure := model.BatchFailure{
		BatchID:  batch.ID,
		DeckPath: deckPath,
		RunID:    runID,
		Code:     model.CodeOf(err),
		Message:  err.Error(),
		FailedAt: time.Now().UTC(),
	}
	batch.Failures = append(batch.Failures, failure)
	if d.store != nil {
		if serr := d.store.RecordBatchFailure(ctx, &failure); serr != nil {
			d.logger.Warn("ledger record failure failed", "deck", deckPath, "error", serr)
		}
	}
}
