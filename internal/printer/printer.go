package printer

import (
	"github.com/slok/distill/internal/app/abtest"
	"github.com/slok/distill/internal/app/analytics"
	"github.com/slok/distill/internal/app/canary"
	"github.com/slok/distill/internal/app/improve"
	"github.com/slok/distill/internal/model"
)

// Printer knows how to print distill information in different formats.
type Printer interface {
	PrintTasks(tasks []model.Task) error
	PrintTask(task model.Task, programs []model.Program) error
	PrintExecution(e model.Execution, v *model.Validation) error
	PrintBatch(b model.BatchResult) error
	PrintCanary(c model.Canary) error
	PrintCanaries(cs []model.Canary) error
	PrintDecision(d canary.Decision) error
	PrintComparison(c abtest.Comparison) error
	PrintRecommendation(r improve.Recommendation) error
	PrintOutcome(o improve.Outcome) error
	PrintAnalytics(stats []analytics.DailyStats) error
	PrintMessage(msg string) error
}
