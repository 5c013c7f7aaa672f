package printer

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/app/analytics"
	"github.com/slok/distill/internal/app/canary"
	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/model"
)

var (
	good = color.New(color.FgGreen)
	bad  = color.New(color.FgRed)
	warn = color.New(color.FgYellow)
	dim  = color.New(color.Faint)
)

var statusColors = map[string]*color.Color{
	string(model.ExecutionStatusSuccess): good,
	string(model.ExecutionStatusError):   bad,
	string(model.ExecutionStatusTimeout): warn,

	string(model.ProgramStatusActive):     good,
	string(model.ProgramStatusDraft):      warn,
	string(model.ProgramStatusDeprecated): dim,
	string(model.ProgramStatusDiscarded):  bad,

	string(model.CanaryStatusInProgress): warn,
	string(model.CanaryStatusCompleted):  good,
	string(model.CanaryStatusRolledBack): bad,

	string(abtest.RecommendationPromoteTreatment): good,
	string(abtest.RecommendationKeepControl):      bad,

	"valid":   good,
	"invalid": bad,
	"skipped": dim,
}

// TablePrinter prints distill information in a table format.
type TablePrinter struct {
	writer io.Writer
	color  bool
}

// NewTablePrinter creates a new table printer, colored statuses are only used when color is set.
func NewTablePrinter(w io.Writer, color bool) *TablePrinter {
	return &TablePrinter{writer: w, color: color}
}

var _ Printer = &TablePrinter{}

func (t *TablePrinter) status(s string) string {
	c, ok := statusColors[s]
	if !t.color || !ok {
		return s
	}

	// Color the string even when the process output is not a TTY, the caller decides.
	cc := *c
	cc.EnableColor()
	return cc.Sprint(s)
}

func (t *TablePrinter) tabwriter() *tabwriter.Writer {
	return tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
}

// PrintTasks prints tasks in a table format.
func (t *TablePrinter) PrintTasks(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := t.tabwriter()
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tID\tEXAMPLES\tSAMPLING\tCREATED")
	for _, task := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", task.Name, task.ID, len(task.Examples), FormatRate(task.SamplingRate), TimeAgo(task.CreatedAt))
	}

	return nil
}

// PrintTask prints a task with its programs.
func (t *TablePrinter) PrintTask(task model.Task, programs []model.Program) error {
	fmt.Fprintf(t.writer, "Name:       %s\n", task.Name)
	fmt.Fprintf(t.writer, "ID:         %s\n", task.ID)
	if task.Description != "" {
		fmt.Fprintf(t.writer, "About:      %s\n", task.Description)
	}
	fmt.Fprintf(t.writer, "Accuracy:   %s\n", FormatRate(task.AccuracyTarget))
	fmt.Fprintf(t.writer, "Latency:    %s\n", FormatLatency(float64(task.LatencyTargetMs)))
	fmt.Fprintf(t.writer, "Sampling:   %s\n", FormatRate(task.SamplingRate))
	fmt.Fprintf(t.writer, "Examples:   %d\n", len(task.Examples))
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(task.CreatedAt))

	if len(programs) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := t.tabwriter()
	defer tw.Flush()

	fmt.Fprintln(tw, "VERSION\tID\tLANGUAGE\tSTATUS\tTRAFFIC\tLOC\tCOMPLEXITY\tSIZE\tCREATED")
	for _, p := range programs {
		fmt.Fprintf(tw, "v%d\t%s\t%s\t%s\t%.0f%%\t%d\t%d\t%s\t%s\n",
			p.Version, p.ID, p.Language, t.status(string(p.Status)), p.DeploymentPercentage,
			p.Complexity.LinesOfCode, p.Complexity.CyclomaticComplexity,
			FormatBytes(int64(len(p.Code))), TimeAgo(p.CreatedAt),
		)
	}

	return nil
}

// PrintExecution prints an execution.
func (t *TablePrinter) PrintExecution(e model.Execution, v *model.Validation) error {
	fmt.Fprintf(t.writer, "Execution:  %s\n", e.ID)
	fmt.Fprintf(t.writer, "Program:    %s (v%d)\n", e.ProgramID, e.ProgramVersion)
	fmt.Fprintf(t.writer, "Status:     %s\n", t.status(string(e.Status)))
	fmt.Fprintf(t.writer, "Latency:    %s\n", FormatLatency(e.LatencyMs))
	if e.Output != nil {
		fmt.Fprintf(t.writer, "Output:     %s\n", string(e.Output))
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", e.ErrorMessage)
	}
	fmt.Fprintf(t.writer, "Sampled:    %t\n", e.SampledForValidation)

	if v != nil {
		state := "valid"
		if !v.IsValid {
			state = "invalid"
		}
		fmt.Fprintf(t.writer, "Validation: %s (%s, score %.2f)\n", t.status(state), v.Method, v.Score)
		for _, err := range v.Errors {
			fmt.Fprintf(t.writer, "  - %s\n", err)
		}
	}

	return nil
}

// PrintBatch prints a batch result.
func (t *TablePrinter) PrintBatch(b model.BatchResult) error {
	tw := t.tabwriter()

	fmt.Fprintln(tw, "ID\tSTATUS\tLATENCY\tSAMPLED\tOUTPUT")
	for _, it := range b.Items {
		if it.Skipped {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\n", it.ID, t.status("skipped"))
			continue
		}
		out := string(it.Output)
		if it.ErrorMessage != "" {
			out = it.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", it.ID, t.status(string(it.Status)), FormatLatency(it.LatencyMs), it.Sampled, oneLine(out))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(t.writer)
	fmt.Fprintf(t.writer, "Batch:      %s\n", b.BatchID)
	fmt.Fprintf(t.writer, "Program:    %s (v%d)\n", b.ProgramID, b.ProgramVersion)
	fmt.Fprintf(t.writer, "Items:      %d (%d succeeded, %d failed, %d skipped)\n", b.Total, b.SuccessCount, b.FailureCount, b.SkippedCount)
	fmt.Fprintf(t.writer, "Duration:   %s (avg item %s)\n", FormatLatency(b.DurationMs), FormatLatency(b.AvgLatencyMs))
	fmt.Fprintf(t.writer, "Sessions:   %d (%d active, %d idle)\n", b.PoolStats.Total, b.PoolStats.Active, b.PoolStats.Idle)

	return nil
}

// PrintCanary prints a rollout with its history.
func (t *TablePrinter) PrintCanary(c model.Canary) error {
	fmt.Fprintf(t.writer, "Rollout:    %s\n", c.ID)
	fmt.Fprintf(t.writer, "Task:       %s\n", c.TaskID)
	fmt.Fprintf(t.writer, "Program:    %s\n", c.NewProgramID)
	if c.PreviousProgramID != "" {
		fmt.Fprintf(t.writer, "Previous:   %s\n", c.PreviousProgramID)
	}
	fmt.Fprintf(t.writer, "Status:     %s\n", t.status(string(c.Status)))
	fmt.Fprintf(t.writer, "Traffic:    %.0f%% (stage %d)\n", c.Percentage, c.Stage)
	if c.Reason != "" {
		fmt.Fprintf(t.writer, "Reason:     %s\n", c.Reason)
	}

	fmt.Fprintln(t.writer)
	tw := t.tabwriter()
	defer tw.Flush()

	fmt.Fprintln(tw, "AT\tACTION\tSTAGE\tTRAFFIC\tREASON")
	for _, e := range c.History {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%s\n", FormatTimestamp(e.At), e.Action, e.Stage, e.Percentage, e.Reason)
	}

	return nil
}

// PrintCanaries prints rollouts in a table format.
func (t *TablePrinter) PrintCanaries(cs []model.Canary) error {
	if len(cs) == 0 {
		return nil
	}

	tw := t.tabwriter()
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tPROGRAM\tSTATUS\tTRAFFIC\tUPDATED")
	for _, c := range cs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\n", c.ID, c.NewProgramID, t.status(string(c.Status)), c.Percentage, TimeAgo(c.UpdatedAt))
	}

	return nil
}

// PrintDecision prints a rollout progress decision.
func (t *TablePrinter) PrintDecision(d canary.Decision) error {
	if d.Advanced {
		fmt.Fprintf(t.writer, "Rollout %s advanced to %.0f%% (%s)\n", d.Canary.ID, d.Canary.Percentage, t.status(string(d.Canary.Status)))
	} else {
		fmt.Fprintf(t.writer, "Rollout %s not advanced: %s\n", d.Canary.ID, d.Reason)
	}

	if d.Comparison != nil {
		fmt.Fprintln(t.writer)
		return t.PrintComparison(*d.Comparison)
	}
	return nil
}

// PrintComparison prints an A/B comparison.
func (t *TablePrinter) PrintComparison(c abtest.Comparison) error {
	tw := t.tabwriter()

	fmt.Fprintln(tw, "\tCONTROL\tTREATMENT\tDELTA")
	fmt.Fprintf(tw, "Program\t%s\t%s\t\n", c.Control.ProgramID, c.Treatment.ProgramID)
	fmt.Fprintf(tw, "Executions\t%d\t%d\t\n", c.Control.Executions, c.Treatment.Executions)
	fmt.Fprintf(tw, "Validation rate\t%s\t%s\t%+.1f%%\n", FormatRate(c.Control.ValidationRate), FormatRate(c.Treatment.ValidationRate), c.Delta.ValidationRateDelta*100)
	fmt.Fprintf(tw, "Error rate\t%s\t%s\t%+.1f%%\n", FormatRate(c.Control.ErrorRate), FormatRate(c.Treatment.ErrorRate), c.Delta.ErrorRateDelta*100)
	fmt.Fprintf(tw, "Avg latency\t%s\t%s\t%+.1f%%\n", FormatLatency(c.Control.AvgLatencyMs), FormatLatency(c.Treatment.AvgLatencyMs), c.Delta.LatencyDeltaPct)
	fmt.Fprintf(tw, "P95 latency\t%s\t%s\t\n", FormatLatency(c.Control.P95LatencyMs), FormatLatency(c.Treatment.P95LatencyMs))
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(t.writer)
	fmt.Fprintf(t.writer, "Metric:         %s\n", c.Metric)
	fmt.Fprintf(t.writer, "P-value:        %.4f (significant: %t)\n", c.PValue, c.IsSignificant)
	fmt.Fprintf(t.writer, "Recommendation: %s\n", t.status(string(c.Recommendation)))

	return nil
}

// PrintRecommendation prints an improvement recommendation.
func (t *TablePrinter) PrintRecommendation(r improve.Recommendation) error {
	fmt.Fprintf(t.writer, "Program:     %s\n", r.ProgramID)
	fmt.Fprintf(t.writer, "Validations: %d (%d valid, %d invalid)\n", r.Stats.Total, r.Stats.Valid, r.Stats.Invalid)
	fmt.Fprintf(t.writer, "Rate:        %s\n", FormatRate(r.Stats.Rate))
	fmt.Fprintf(t.writer, "Improve:     %t (%s confidence)\n", r.ShouldImprove, r.Confidence)

	if len(r.ErrorCategories) > 0 {
		fmt.Fprintln(t.writer, "Errors:")
		for _, c := range r.ErrorCategories {
			fmt.Fprintf(t.writer, "  - %s: %d\n", c.Category, c.Count)
		}
	}
	if len(r.SuggestedFixes) > 0 {
		fmt.Fprintln(t.writer, "Suggestions:")
		for _, f := range r.SuggestedFixes {
			fmt.Fprintf(t.writer, "  - %s\n", f)
		}
	}

	return nil
}

// PrintOutcome prints an improvement outcome.
func (t *TablePrinter) PrintOutcome(o improve.Outcome) error {
	if !o.Success {
		fmt.Fprintf(t.writer, "Improvement of %s failed: %s\n", o.BaseProgramID, o.Reason)
		return nil
	}

	fmt.Fprintf(t.writer, "Improved %s with %d failing examples\n", o.BaseProgramID, o.FailingExamples)
	if o.Program != nil {
		fmt.Fprintf(t.writer, "New draft %s (v%d), start a rollout to serve it\n", o.Program.ID, o.Program.Version)
	}
	return nil
}

// PrintAnalytics prints daily analytics in a table format.
func (t *TablePrinter) PrintAnalytics(stats []analytics.DailyStats) error {
	if len(stats) == 0 {
		return nil
	}

	tw := t.tabwriter()
	defer tw.Flush()

	fmt.Fprintln(tw, "DATE\tTOTAL\tSUCCESS\tFAILED\tSUCCESS RATE\tSAMPLED\tAVG\tP50\tP99")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
			s.Date, s.Total, s.Successful, s.Failed, FormatRate(s.SuccessRate), s.Sampled,
			FormatLatency(s.AvgLatencyMs), FormatLatency(s.P50LatencyMs), FormatLatency(s.P99LatencyMs),
		)
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
