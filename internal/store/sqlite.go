package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/godeck/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// One connection: SQLite serializes writers anyway, and a :memory:
	// database exists per connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Run CRUD ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	variablesJSON, err := json.Marshal(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, batch_id, deck_path, deck_name, sink_dir, state, report_path, error, variables, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BatchID, run.DeckPath, run.DeckName, run.SinkDir,
		string(run.State), run.ReportPath, run.Error, string(variablesJSON),
		run.CreatedAt.Format(time.RFC3339Nano), formatNullableTime(run.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, batch_id, deck_path, deck_name, sink_dir, state, report_path, error, variables, created_at, completed_at
		 FROM runs WHERE id = ?`, id))
	if err != nil || run == nil {
		return run, err
	}

	// Load associated steps.
	steps, err := s.ListStepsByRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	for _, st := range steps {
		run.Steps = append(run.Steps, *st)
	}
	run.StepSummary = model.ComputeStepSummary(run.Steps)

	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, opts.State)
	}
	if opts.Batch != "" {
		whereClauses = append(whereClauses, "batch_id = ?")
		countArgs = append(countArgs, opts.Batch)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM runs` + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, batch_id, deck_path, deck_name, sink_dir, state, report_path, error, variables, created_at, completed_at
		FROM runs` + whereSQL + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.loadStepSummaries(ctx, runs); err != nil {
		return nil, 0, err
	}

	return runs, total, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET sink_dir=?, state=?, report_path=?, error=?, completed_at=? WHERE id=?`,
		run.SinkDir, string(run.State), run.ReportPath, run.Error,
		formatNullableTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// loadStepSummaries fills StepSummary for each run with a single grouped query.
func (s *SQLiteStore) loadStepSummaries(ctx context.Context, runs []*model.Run) error {
	if len(runs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(runs)), ",")
	args := make([]any, len(runs))
	byID := make(map[string]*model.Run, len(runs))
	for i, run := range runs {
		args[i] = run.ID
		byID[run.ID] = run
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, state, COUNT(*) FROM run_steps WHERE run_id IN (`+placeholders+`) GROUP BY run_id, state`,
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var runID, state string
		var count int
		if err := rows.Scan(&runID, &state, &count); err != nil {
			return err
		}
		run := byID[runID]
		if run == nil {
			continue
		}
		run.StepSummary.Total += count
		switch model.StepState(state) {
		case model.StepStateOutputsRecorded:
			run.StepSummary.Recorded += count
		case model.StepStateFailed:
			run.StepSummary.Failed += count
		case model.StepStateSkipped:
			run.StepSummary.Skipped += count
		default:
			run.StepSummary.Pending += count
		}
	}
	return rows.Err()
}

// --- Step operations ---

func (s *SQLiteStore) CreateStep(ctx context.Context, step *model.StepRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "run_steps", "id", step.ID)

	parametersJSON, err := json.Marshal(step.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	outputsJSON, err := json.Marshal(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_steps (id, run_id, name, step_type, state, parameters, outputs, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.StepType, string(step.State),
		string(parametersJSON), string(outputsJSON), step.Error,
		formatNullableTime(step.StartedAt), formatNullableTime(step.CompletedAt),
	)
	return err
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*model.StepRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "run_steps", "id", id)
	return s.scanStep(s.db.QueryRowContext(ctx,
		`SELECT id, run_id, name, step_type, state, parameters, outputs, error, started_at, completed_at
		 FROM run_steps WHERE id = ?`, id))
}

// ListStepsByRun returns a run's steps in deck declaration order.
func (s *SQLiteStore) ListStepsByRun(ctx context.Context, runID string) ([]*model.StepRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "run_steps", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, step_type, state, parameters, outputs, error, started_at, completed_at
		 FROM run_steps WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*model.StepRecord
	for rows.Next() {
		step, err := s.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *model.StepRecord) error {
	s.logger.Debug("sql", "op", "update", "table", "run_steps", "id", step.ID)

	outputsJSON, err := json.Marshal(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET state=?, outputs=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		string(step.State), string(outputsJSON), step.Error,
		formatNullableTime(step.StartedAt), formatNullableTime(step.CompletedAt), step.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("step %s not found", step.ID)
	}
	return nil
}

// --- Batch failures ---

func (s *SQLiteStore) RecordBatchFailure(ctx context.Context, f *model.BatchFailure) error {
	s.logger.Debug("sql", "op", "insert", "table", "batch_failures", "batch_id", f.BatchID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_failures (batch_id, deck_path, run_id, code, message, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.BatchID, f.DeckPath, f.RunID, string(f.Code), f.Message,
		f.FailedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListBatchFailures(ctx context.Context, batchID string) ([]*model.BatchFailure, error) {
	s.logger.Debug("sql", "op", "list", "table", "batch_failures", "batch_id", batchID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, deck_path, run_id, code, message, failed_at
		 FROM batch_failures WHERE batch_id = ? ORDER BY failed_at`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*model.BatchFailure
	for rows.Next() {
		var f model.BatchFailure
		var code, failedAt string
		if err := rows.Scan(&f.BatchID, &f.DeckPath, &f.RunID, &code, &f.Message, &failedAt); err != nil {
			return nil, err
		}
		f.Code = model.ErrorCode(code)
		f.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, variablesJSON, createdAt string
	var completedAt *string

	err := row.Scan(
		&run.ID, &run.BatchID, &run.DeckPath, &run.DeckName, &run.SinkDir,
		&state, &run.ReportPath, &run.Error, &variablesJSON,
		&createdAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.State = model.RunState(state)
	json.Unmarshal([]byte(variablesJSON), &run.Variables)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.CompletedAt = parseNullableTime(completedAt)

	return &run, nil
}

func (s *SQLiteStore) scanStep(row scanner) (*model.StepRecord, error) {
	var step model.StepRecord
	var state, parametersJSON, outputsJSON string
	var startedAt, completedAt *string

	err := row.Scan(
		&step.ID, &step.RunID, &step.Name, &step.StepType, &state,
		&parametersJSON, &outputsJSON, &step.Error,
		&startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	step.State = model.StepState(state)
	json.Unmarshal([]byte(parametersJSON), &step.Parameters)
	json.Unmarshal([]byte(outputsJSON), &step.Outputs)
	step.StartedAt = parseNullableTime(startedAt)
	step.CompletedAt = parseNullableTime(completedAt)

	return &step, nil
}

func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseNullableTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, _ := time.Parse(time.RFC3339Nano, *s)
	return &t
}
