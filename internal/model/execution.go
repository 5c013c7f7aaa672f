package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the outcome of a single program execution.
type ExecutionStatus string

const (
	// ExecutionStatusSuccess means the program returned an output.
	ExecutionStatusSuccess ExecutionStatus = "success"
	// ExecutionStatusError means the program or the runtime failed.
	ExecutionStatusError ExecutionStatus = "error"
	// ExecutionStatusTimeout means the execution exceeded its deadline.
	ExecutionStatusTimeout ExecutionStatus = "timeout"
)

// Execution is the immutable record of running a program against one input.
type Execution struct {
	ID             string
	TaskID         string
	ProgramID      string
	ProgramVersion int
	Input          json.RawMessage
	// Output is nil when the execution didn't succeed.
	Output       json.RawMessage
	Status       ExecutionStatus
	ErrorMessage string
	LatencyMs    float64

	SampledForValidation bool
	ExecutedAt           time.Time
}

// Failed returns true if the execution didn't succeed.
func (e Execution) Failed() bool { return e.Status != ExecutionStatusSuccess }
