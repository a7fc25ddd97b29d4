package model

// RunState represents the lifecycle state of one deck run.
type RunState string

const (
	RunStateParsed           RunState = "PARSED"
	RunStateSinkResolved     RunState = "SINK_RESOLVED"
	RunStateRunning          RunState = "RUNNING"
	RunStateReportAggregated RunState = "REPORT_AGGREGATED"
	RunStateDone             RunState = "DONE"
	RunStateFailed           RunState = "FAILED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateDone, RunStateFailed:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for deck runs.
var ValidRunTransitions = map[RunState][]RunState{
	RunStateParsed:           {RunStateSinkResolved, RunStateFailed},
	RunStateSinkResolved:     {RunStateRunning, RunStateFailed},
	RunStateRunning:          {RunStateReportAggregated, RunStateFailed},
	RunStateReportAggregated: {RunStateDone, RunStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepState represents the lifecycle state of one card within a run.
type StepState string

const (
	StepStatePending         StepState = "PENDING"
	StepStateBound           StepState = "BOUND"
	StepStateGraphBuilt      StepState = "GRAPH_BUILT"
	StepStateExecuted        StepState = "EXECUTED"
	StepStateOutputsRecorded StepState = "OUTPUTS_RECORDED"
	StepStateFailed          StepState = "FAILED"
	StepStateSkipped         StepState = "SKIPPED"
)

// String returns the string representation of the step state.
func (s StepState) String() string {
	return string(s)
}

// IsTerminal returns true if the step is in a final state.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateOutputsRecorded, StepStateFailed, StepStateSkipped:
		return true
	}
	return false
}

// ValidStepTransitions defines the allowed state transitions for steps.
// A step may fail at any non-terminal stage; steps after a failed step
// are skipped rather than attempted.
var ValidStepTransitions = map[StepState][]StepState{
	StepStatePending:    {StepStateBound, StepStateFailed, StepStateSkipped},
	StepStateBound:      {StepStateGraphBuilt, StepStateFailed},
	StepStateGraphBuilt: {StepStateExecuted, StepStateFailed},
	StepStateExecuted:   {StepStateOutputsRecorded, StepStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s StepState) CanTransitionTo(next StepState) bool {
	for _, allowed := range ValidStepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
