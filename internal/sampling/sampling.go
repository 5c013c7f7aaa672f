// Package sampling decides which executions are selected for oracle validation.
package sampling

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/slok/distill/internal/model"
)

// Sampler decides if an execution should be validated.
type Sampler interface {
	ShouldSample(rate float64, force bool) bool
}

// SamplerFunc is a helper to use functions as samplers.
type SamplerFunc func(rate float64, force bool) bool

func (f SamplerFunc) ShouldSample(rate float64, force bool) bool { return f(rate, force) }

// decided returns the decision for the cases that don't depend on the strategy.
func decided(rate float64, force bool) (sample bool, ok bool) {
	switch {
	case force:
		return true, true
	case rate <= 0:
		return false, true
	case rate >= 1:
		return true, true
	}
	return false, false
}

// RandomSampler samples when a uniform draw in [0, 1) is below the rate.
type RandomSampler struct {
	draw func() float64
}

// NewRandomSampler returns a new random sampler. A nil draw function uses math/rand/v2.
func NewRandomSampler(draw func() float64) RandomSampler {
	if draw == nil {
		draw = rand.Float64
	}
	return RandomSampler{draw: draw}
}

func (r RandomSampler) ShouldSample(rate float64, force bool) bool {
	if sample, ok := decided(rate, force); ok {
		return sample
	}
	return r.draw() < rate
}

// DefaultTimeWindowPeriod is the default window of the time window sampler.
const DefaultTimeWindowPeriod = 10 * time.Second

// TimeWindowSampler samples deterministically based on the clock: every window of
// Period is sampled during its first rate*Period span.
type TimeWindowSampler struct {
	period time.Duration
	clock  func() time.Time
}

// NewTimeWindowSampler returns a new time window sampler.
func NewTimeWindowSampler(period time.Duration, clock func() time.Time) TimeWindowSampler {
	if period <= 0 {
		period = DefaultTimeWindowPeriod
	}
	if clock == nil {
		clock = time.Now
	}
	return TimeWindowSampler{period: period, clock: clock}
}

func (t TimeWindowSampler) ShouldSample(rate float64, force bool) bool {
	if sample, ok := decided(rate, force); ok {
		return sample
	}
	offset := t.clock().UnixNano() % int64(t.period)
	return float64(offset) < rate*float64(t.period)
}

// Options are the options used by the registry to build samplers.
type Options struct {
	Draw   func() float64
	Clock  func() time.Time
	Period time.Duration
}

const (
	StrategyRandom     = "random"
	StrategyTimeWindow = "time_window"
)

// Registry maps sampler strategy names to their constructors.
type Registry map[string]func(Options) Sampler

// DefaultRegistry has the builtin strategies.
var DefaultRegistry = Registry{
	StrategyRandom:     func(o Options) Sampler { return NewRandomSampler(o.Draw) },
	StrategyTimeWindow: func(o Options) Sampler { return NewTimeWindowSampler(o.Period, o.Clock) },
}

// New returns the sampler registered with the name. An empty name is the random strategy.
func (r Registry) New(name string, opts Options) (Sampler, error) {
	if name == "" {
		name = StrategyRandom
	}
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown sampling strategy %q (available: %v): %w", name, r.Names(), model.ErrNotValid)
	}
	return f(opts), nil
}

// Names returns the sorted registered strategy names.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
