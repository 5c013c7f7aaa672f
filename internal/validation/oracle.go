package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/slok/distill/internal/model"
)

// ExamplesOracle answers with the output of the task example that has the same input.
type ExamplesOracle struct{}

func (ExamplesOracle) Expected(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error) {
	ni, err := Normalize(input)
	if err != nil {
		return nil, false, nil
	}

	for _, ex := range task.Examples {
		ne, err := Normalize(ex.Input)
		if err != nil {
			continue
		}
		if bytes.Equal(ni, ne) {
			return ex.Output, true, nil
		}
	}

	return nil, false, nil
}

// ChainOracle asks the oracles in order and returns the first answer.
type ChainOracle []Oracle

func (c ChainOracle) Expected(ctx context.Context, task model.Task, input json.RawMessage) (json.RawMessage, bool, error) {
	for _, o := range c {
		out, ok, err := o.Expected(ctx, task, input)
		if err != nil {
			return nil, false, fmt.Errorf("oracle failed: %w", err)
		}
		if ok {
			return out, true, nil
		}
	}
	return nil, false, nil
}

// NoopOracle never has an answer.
type NoopOracle struct{}

func (NoopOracle) Expected(context.Context, model.Task, json.RawMessage) (json.RawMessage, bool, error) {
	return nil, false, nil
}
