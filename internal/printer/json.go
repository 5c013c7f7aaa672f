package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/app/analytics"
	"github.com/slok/distill/internal/app/canary"
	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/model"
)

// JSONPrinter prints distill information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

var _ Printer = &JSONPrinter{}

type taskOutput struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	InputSchema     string          `json:"input_schema,omitempty"`
	OutputSchema    string          `json:"output_schema,omitempty"`
	Examples        int             `json:"examples"`
	AccuracyTarget  float64         `json:"accuracy_target"`
	LatencyTargetMs int             `json:"latency_target_ms"`
	SamplingRate    float64         `json:"sampling_rate"`
	CreatedAt       time.Time       `json:"created_at"`
	Programs        []programOutput `json:"programs,omitempty"`
}

type programOutput struct {
	ID                   string     `json:"id"`
	Version              int        `json:"version"`
	Language             string     `json:"language"`
	Status               string     `json:"status"`
	DeploymentPercentage float64    `json:"deployment_percentage"`
	LinesOfCode          int        `json:"lines_of_code"`
	CyclomaticComplexity int        `json:"cyclomatic_complexity"`
	CreatedAt            time.Time  `json:"created_at"`
	DeployedAt           *time.Time `json:"deployed_at,omitempty"`
}

type executionOutput struct {
	ExecutionID          string            `json:"execution_id"`
	TaskID               string            `json:"task_id"`
	ProgramID            string            `json:"program_id"`
	Version              int               `json:"version"`
	Status               string            `json:"status"`
	Output               json.RawMessage   `json:"output,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	LatencyMs            float64           `json:"latency_ms"`
	SampledForValidation bool              `json:"sampled_for_validation"`
	ExecutedAt           time.Time         `json:"executed_at"`
	Validation           *validationOutput `json:"validation,omitempty"`
}

type validationOutput struct {
	ID              string   `json:"id"`
	IsValid         bool     `json:"is_valid"`
	Score           float64  `json:"score"`
	Method          string   `json:"method"`
	Errors          []string `json:"errors,omitempty"`
	OracleLatencyMs float64  `json:"oracle_latency_ms"`
}

type batchOutput struct {
	BatchID      string            `json:"batch_id"`
	TaskID       string            `json:"task_id"`
	ProgramID    string            `json:"program_id"`
	Version      int               `json:"version"`
	Total        int               `json:"total"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	SkippedCount int               `json:"skipped_count"`
	DurationMs   float64           `json:"duration_ms"`
	AvgLatencyMs float64           `json:"avg_latency_ms"`
	PoolStats    poolStatsOutput   `json:"pool_stats"`
	Items        []batchItemOutput `json:"items"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
}

type poolStatsOutput struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

type batchItemOutput struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LatencyMs    float64         `json:"latency_ms"`
	Sampled      bool            `json:"sampled"`
	Skipped      bool            `json:"skipped,omitempty"`
}

type canaryOutput struct {
	ID                string              `json:"id"`
	TaskID            string              `json:"task_id"`
	NewProgramID      string              `json:"new_program_id"`
	PreviousProgramID string              `json:"previous_program_id,omitempty"`
	Stage             int                 `json:"stage"`
	Percentage        float64             `json:"percentage"`
	Status            string              `json:"status"`
	Reason            string              `json:"reason,omitempty"`
	History           []canaryEventOutput `json:"history"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type canaryEventOutput struct {
	Stage      int       `json:"stage"`
	Percentage float64   `json:"percentage"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type decisionOutput struct {
	Advanced   bool              `json:"advanced"`
	Reason     string            `json:"reason,omitempty"`
	Canary     canaryOutput      `json:"canary"`
	Comparison *comparisonOutput `json:"comparison,omitempty"`
}

type metricsOutput struct {
	ProgramID      string  `json:"program_id"`
	Executions     int     `json:"executions"`
	ErrorRate      float64 `json:"error_rate"`
	Validations    int     `json:"validations"`
	ValidationRate float64 `json:"validation_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
}

type comparisonOutput struct {
	Control             metricsOutput `json:"control"`
	Treatment           metricsOutput `json:"treatment"`
	LatencyDeltaPct     float64       `json:"latency_delta_pct"`
	ValidationRateDelta float64       `json:"validation_rate_delta"`
	ErrorRateDelta      float64       `json:"error_rate_delta"`
	Metric              string        `json:"metric"`
	PValue              float64       `json:"p_value"`
	IsSignificant       bool          `json:"is_significant"`
	Confidence          float64       `json:"confidence"`
	Recommendation      string        `json:"recommendation"`
}

type recommendationOutput struct {
	ProgramID       string         `json:"program_id"`
	Total           int            `json:"total"`
	Valid           int            `json:"valid"`
	Invalid         int            `json:"invalid"`
	ValidationRate  float64        `json:"validation_rate"`
	ShouldImprove   bool           `json:"should_improve"`
	Confidence      string         `json:"confidence"`
	ErrorCategories map[string]int `json:"error_categories,omitempty"`
	SuggestedFixes  []string       `json:"suggested_fixes,omitempty"`
}

type outcomeOutput struct {
	Success         bool           `json:"success"`
	Reason          string         `json:"reason,omitempty"`
	BaseProgramID   string         `json:"base_program_id"`
	FailingExamples int            `json:"failing_examples"`
	Program         *programOutput `json:"program,omitempty"`
}

type analyticsOutput struct {
	TaskID       string  `json:"task_id"`
	Date         string  `json:"date"`
	Total        int     `json:"total_executions"`
	Successful   int     `json:"successful_executions"`
	Failed       int     `json:"failed_executions"`
	SuccessRate  float64 `json:"success_rate"`
	Sampled      int     `json:"sampled_count"`
	SamplingRate float64 `json:"sampling_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
}

type messageOutput struct {
	Message string `json:"message"`
}

// PrintTasks prints tasks in JSON format.
func (j *JSONPrinter) PrintTasks(tasks []model.Task) error {
	out := make([]taskOutput, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskOutput(t, nil))
	}
	return j.encode(out)
}

// PrintTask prints a task with its programs in JSON format.
func (j *JSONPrinter) PrintTask(task model.Task, programs []model.Program) error {
	return j.encode(toTaskOutput(task, programs))
}

// PrintExecution prints an execution in JSON format.
func (j *JSONPrinter) PrintExecution(e model.Execution, v *model.Validation) error {
	out := executionOutput{
		ExecutionID:          e.ID,
		TaskID:               e.TaskID,
		ProgramID:            e.ProgramID,
		Version:              e.ProgramVersion,
		Status:               string(e.Status),
		Output:               e.Output,
		ErrorMessage:         e.ErrorMessage,
		LatencyMs:            e.LatencyMs,
		SampledForValidation: e.SampledForValidation,
		ExecutedAt:           e.ExecutedAt.UTC(),
	}
	if v != nil {
		out.Validation = &validationOutput{
			ID:              v.ID,
			IsValid:         v.IsValid,
			Score:           v.Score,
			Method:          v.Method,
			Errors:          v.Errors,
			OracleLatencyMs: v.OracleLatencyMs,
		}
	}
	return j.encode(out)
}

// PrintBatch prints a batch result in JSON format.
func (j *JSONPrinter) PrintBatch(b model.BatchResult) error {
	out := batchOutput{
		BatchID:      b.BatchID,
		TaskID:       b.TaskID,
		ProgramID:    b.ProgramID,
		Version:      b.ProgramVersion,
		Total:        b.Total,
		SuccessCount: b.SuccessCount,
		FailureCount: b.FailureCount,
		SkippedCount: b.SkippedCount,
		DurationMs:   b.DurationMs,
		AvgLatencyMs: b.AvgLatencyMs,
		PoolStats:    poolStatsOutput(b.PoolStats),
		Items:        make([]batchItemOutput, 0, len(b.Items)),
		StartedAt:    b.StartedAt.UTC(),
		CompletedAt:  b.CompletedAt.UTC(),
	}
	for _, it := range b.Items {
		out.Items = append(out.Items, batchItemOutput{
			ID:           it.ID,
			ExecutionID:  it.ExecutionID,
			Status:       string(it.Status),
			Output:       it.Output,
			ErrorMessage: it.ErrorMessage,
			LatencyMs:    it.LatencyMs,
			Sampled:      it.Sampled,
			Skipped:      it.Skipped,
		})
	}
	return j.encode(out)
}

// PrintCanary prints a rollout in JSON format.
func (j *JSONPrinter) PrintCanary(c model.Canary) error {
	return j.encode(toCanaryOutput(c))
}

// PrintCanaries prints rollouts in JSON format.
func (j *JSONPrinter) PrintCanaries(cs []model.Canary) error {
	out := make([]canaryOutput, 0, len(cs))
	for _, c := range cs {
		out = append(out, toCanaryOutput(c))
	}
	return j.encode(out)
}

// PrintDecision prints a rollout progress decision in JSON format.
func (j *JSONPrinter) PrintDecision(d canary.Decision) error {
	out := decisionOutput{
		Advanced: d.Advanced,
		Reason:   d.Reason,
		Canary:   toCanaryOutput(d.Canary),
	}
	if d.Comparison != nil {
		c := toComparisonOutput(*d.Comparison)
		out.Comparison = &c
	}
	return j.encode(out)
}

// PrintComparison prints an A/B comparison in JSON format.
func (j *JSONPrinter) PrintComparison(c abtest.Comparison) error {
	return j.encode(toComparisonOutput(c))
}

// PrintRecommendation prints an improvement recommendation in JSON format.
func (j *JSONPrinter) PrintRecommendation(r improve.Recommendation) error {
	out := recommendationOutput{
		ProgramID:      r.ProgramID,
		Total:          r.Stats.Total,
		Valid:          r.Stats.Valid,
		Invalid:        r.Stats.Invalid,
		ValidationRate: r.Stats.Rate,
		ShouldImprove:  r.ShouldImprove,
		Confidence:     string(r.Confidence),
		SuggestedFixes: r.SuggestedFixes,
	}
	if len(r.ErrorCategories) > 0 {
		out.ErrorCategories = map[string]int{}
		for _, c := range r.ErrorCategories {
			out.ErrorCategories[c.Category] = c.Count
		}
	}
	return j.encode(out)
}

// PrintOutcome prints an improvement outcome in JSON format.
func (j *JSONPrinter) PrintOutcome(o improve.Outcome) error {
	out := outcomeOutput{
		Success:         o.Success,
		Reason:          o.Reason,
		BaseProgramID:   o.BaseProgramID,
		FailingExamples: o.FailingExamples,
	}
	if o.Program != nil {
		p := toProgramOutput(*o.Program)
		out.Program = &p
	}
	return j.encode(out)
}

// PrintAnalytics prints daily analytics in JSON format.
func (j *JSONPrinter) PrintAnalytics(stats []analytics.DailyStats) error {
	out := make([]analyticsOutput, 0, len(stats))
	for _, s := range stats {
		out = append(out, analyticsOutput(s))
	}
	return j.encode(out)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func toTaskOutput(t model.Task, programs []model.Program) taskOutput {
	out := taskOutput{
		ID:              t.ID,
		Name:            t.Name,
		Description:     t.Description,
		InputSchema:     t.InputSchema,
		OutputSchema:    t.OutputSchema,
		Examples:        len(t.Examples),
		AccuracyTarget:  t.AccuracyTarget,
		LatencyTargetMs: t.LatencyTargetMs,
		SamplingRate:    t.SamplingRate,
		CreatedAt:       t.CreatedAt.UTC(),
	}
	for _, p := range programs {
		out.Programs = append(out.Programs, toProgramOutput(p))
	}
	return out
}

func toProgramOutput(p model.Program) programOutput {
	out := programOutput{
		ID:                   p.ID,
		Version:              p.Version,
		Language:             p.Language,
		Status:               string(p.Status),
		DeploymentPercentage: p.DeploymentPercentage,
		LinesOfCode:          p.Complexity.LinesOfCode,
		CyclomaticComplexity: p.Complexity.CyclomaticComplexity,
		CreatedAt:            p.CreatedAt.UTC(),
	}
	if p.DeployedAt != nil {
		t := p.DeployedAt.UTC()
		out.DeployedAt = &t
	}
	return out
}

func toCanaryOutput(c model.Canary) canaryOutput {
	out := canaryOutput{
		ID:                c.ID,
		TaskID:            c.TaskID,
		NewProgramID:      c.NewProgramID,
		PreviousProgramID: c.PreviousProgramID,
		Stage:             c.Stage,
		Percentage:        c.Percentage,
		Status:            string(c.Status),
		Reason:            c.Reason,
		History:           make([]canaryEventOutput, 0, len(c.History)),
		CreatedAt:         c.CreatedAt.UTC(),
		UpdatedAt:         c.UpdatedAt.UTC(),
	}
	for _, e := range c.History {
		out.History = append(out.History, canaryEventOutput{
			Stage:      e.Stage,
			Percentage: e.Percentage,
			Action:     string(e.Action),
			Reason:     e.Reason,
			At:         e.At.UTC(),
		})
	}
	return out
}

func toMetricsOutput(m abtest.Metrics) metricsOutput {
	return metricsOutput{
		ProgramID:      m.ProgramID,
		Executions:     m.Executions,
		ErrorRate:      m.ErrorRate,
		Validations:    m.Validations,
		ValidationRate: m.ValidationRate,
		AvgLatencyMs:   m.AvgLatencyMs,
		P50LatencyMs:   m.P50LatencyMs,
		P95LatencyMs:   m.P95LatencyMs,
		P99LatencyMs:   m.P99LatencyMs,
	}
}

func toComparisonOutput(c abtest.Comparison) comparisonOutput {
	return comparisonOutput{
		Control:             toMetricsOutput(c.Control),
		Treatment:           toMetricsOutput(c.Treatment),
		LatencyDeltaPct:     c.Delta.LatencyDeltaPct,
		ValidationRateDelta: c.Delta.ValidationRateDelta,
		ErrorRateDelta:      c.Delta.ErrorRateDelta,
		Metric:              c.Metric,
		PValue:              c.PValue,
		IsSignificant:       c.IsSignificant,
		Confidence:          c.Confidence,
		Recommendation:      string(c.Recommendation),
	}
}
