package validation

import (
	"context"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// ExactValidator requires the output to be semantically equal to the oracle answer.
type ExactValidator struct{}

// NewExactValidator returns a new exact validator.
func NewExactValidator() ExactValidator { return ExactValidator{} }

func (ExactValidator) Method() string { return MethodExact }

func (ExactValidator) Validate(ctx context.Context, s Subject) (Outcome, error) {
	if s.Expected == nil {
		return Outcome{}, ErrNoExpectedOutput
	}
	if !Equal(s.Execution.Output, s.Expected) {
		return Outcome{
			IsValid: false,
			Score:   0,
			Errors:  []string{categorized(CategoryMismatch, "output %s differs from the expected %s", compact(s.Execution.Output), compact(s.Expected))},
		}, nil
	}
	return Outcome{IsValid: true, Score: 1}, nil
}

// DefaultFuzzyThreshold is the default minimum similarity of the fuzzy validator.
const DefaultFuzzyThreshold = 0.8

// FuzzyValidator scores the output with the normalized Levenshtein similarity
// against the oracle answer.
type FuzzyValidator struct {
	threshold float64
}

// NewFuzzyValidator returns a new fuzzy validator. Thresholds out of (0, 1] use the default.
func NewFuzzyValidator(threshold float64) FuzzyValidator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	return FuzzyValidator{threshold: threshold}
}

func (FuzzyValidator) Method() string { return MethodFuzzy }

func (f FuzzyValidator) Validate(ctx context.Context, s Subject) (Outcome, error) {
	if s.Expected == nil {
		return Outcome{}, ErrNoExpectedOutput
	}

	score := Similarity(compactFull(s.Execution.Output), compactFull(s.Expected))
	if score < f.threshold {
		return Outcome{
			IsValid: false,
			Score:   score,
			Errors:  []string{categorized(CategoryMismatch, "output similarity %.2f is below %.2f", score, f.threshold)},
		}, nil
	}
	return Outcome{IsValid: true, Score: score}, nil
}

// Similarity returns 1 - levenshtein(a, b)/max(len(a), len(b)) over runes.
func Similarity(a, b string) float64 {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func compactFull(data []byte) string {
	n, err := Normalize(data)
	if err != nil {
		return string(data)
	}
	return string(n)
}

