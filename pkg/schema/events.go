package schema

// History entry types recorded for every queued execution.
const (
	HistoryExecutionQueued    = "execution_queued"
	HistoryExecutionClaimed   = "execution_claimed"
	HistoryExecutionCompleted = "execution_completed"
	HistoryExecutionFailed    = "execution_failed"
	HistoryExecutionRetrying  = "execution_retry_scheduled"
	HistoryExecutionRequeued  = "execution_requeued"

	HistoryStepCompleted = "step_completed"
	HistoryStepFailed    = "step_failed"
	HistoryStepFiltered  = "step_filtered"
	HistoryStepSkipped   = "step_skipped"
)

// ExecutionStatus represents the lifecycle state of a queued execution.
type ExecutionStatus string

const (
	ExecutionStatusPending        ExecutionStatus = "pending"
	ExecutionStatusRunning        ExecutionStatus = "running"
	ExecutionStatusCompleted      ExecutionStatus = "completed"
	ExecutionStatusFailed         ExecutionStatus = "failed"
	ExecutionStatusRetryScheduled ExecutionStatus = "retry_scheduled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Claimable reports whether a worker may move the execution to running.
func (s ExecutionStatus) Claimable() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRetryScheduled
}

// StepType partitions steps by their role in the pipeline.
type StepType string

const (
	StepTypeLookup StepType = "lookup" // enriches the namespace, never halts
	StepTypeFilter StepType = "filter" // may halt the pipeline
	StepTypeAction StepType = "action" // external side effect
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeLookup, StepTypeFilter, StepTypeAction:
		return true
	}
	return false
}
