package model

import "time"

// Run is one execution of a deck: its identity, source, sink and outcome.
type Run struct {
	ID          string            `json:"id"`
	BatchID     string            `json:"batch_id,omitempty"`
	DeckPath    string            `json:"deck_path"`
	DeckName    string            `json:"deck_name"`
	SinkDir     string            `json:"sink_dir"`
	State       RunState          `json:"state"`
	Steps       []StepRecord      `json:"steps,omitempty"`
	StepSummary StepSummary       `json:"step_summary,omitempty"` // Computed field, not stored
	ReportPath  string            `json:"report_path,omitempty"`
	Error       string            `json:"error,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// StepRecord is the persisted trace of one card within a run.
type StepRecord struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	Name        string            `json:"name"`
	StepType    string            `json:"step_type"`
	State       StepState         `json:"state"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// BatchFailure records one failed deck within a batch invocation.
type BatchFailure struct {
	BatchID  string    `json:"batch_id"`
	DeckPath string    `json:"deck_path"`
	RunID    string    `json:"run_id,omitempty"`
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// StepSummary provides an aggregate count of step states within a Run.
type StepSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Recorded  int `json:"recorded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ComputeStepSummary calculates the StepSummary from a slice of StepRecords.
func ComputeStepSummary(steps []StepRecord) StepSummary {
	s := StepSummary{Total: len(steps)}
	for _, st := range steps {
		switch st.State {
		case StepStateOutputsRecorded:
			s.Recorded++
		case StepStateFailed:
			s.Failed++
		case StepStateSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
	}
	return s
}
