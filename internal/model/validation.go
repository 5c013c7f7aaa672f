package model

import "time"

// Validation is the graded, immutable outcome of checking one sampled execution.
type Validation struct {
	ID          string
	ExecutionID string
	ProgramID   string
	TaskID      string
	IsValid     bool
	// Score is the validator confidence in [0, 1].
	Score  float64
	Errors []string
	Method string
	// OracleLatencyMs is the time spent getting the expected output.
	OracleLatencyMs float64
	ValidatedAt     time.Time
}

// ValidationStats are the aggregated validation outcomes of a program.
type ValidationStats struct {
	Total   int
	Valid   int
	Invalid int
	// Rate is Valid/Total, 0 when there are no validations.
	Rate float64
}

// NewValidationStats aggregates validations.
func NewValidationStats(vs []Validation) ValidationStats {
	s := ValidationStats{Total: len(vs)}
	for _, v := range vs {
		if v.IsValid {
			s.Valid++
		} else {
			s.Invalid++
		}
	}
	if s.Total > 0 {
		s.Rate = float64(s.Valid) / float64(s.Total)
	}
	return s
}
