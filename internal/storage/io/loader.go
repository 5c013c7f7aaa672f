package io

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/slok/distill/internal/model"
)

// TaskYAMLRepository loads task specifications from YAML files.
type TaskYAMLRepository struct {
	fs fs.FS
}

// NewTaskYAMLRepository creates a new YAML task repository.
func NewTaskYAMLRepository(filesystem fs.FS) *TaskYAMLRepository {
	return &TaskYAMLRepository{fs: filesystem}
}

// GetTask loads a task specification from a YAML file and returns a validated domain model.
func (r *TaskYAMLRepository) GetTask(ctx context.Context, path string) (model.Task, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.Task{}, fmt.Errorf("reading task file: %w", err)
	}

	if ctx.Err() != nil {
		return model.Task{}, ctx.Err()
	}

	var spec TaskSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return model.Task{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := spec.validate(); err != nil {
		return model.Task{}, fmt.Errorf("invalid task: %w", err)
	}

	return spec.toModel()
}

// TaskSpec represents the YAML structure of a task specification.
type TaskSpec struct {
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	InputSchema     string        `yaml:"input_schema"`
	OutputSchema    string        `yaml:"output_schema"`
	AccuracyTarget  float64       `yaml:"accuracy_target"`
	LatencyTargetMs int           `yaml:"latency_target_ms"`
	SamplingRate    *float64      `yaml:"sampling_rate"`
	Examples        []ExampleSpec `yaml:"examples"`
}

// ExampleSpec represents the YAML structure of a task example, input and output
// are any YAML value that can be represented as JSON.
type ExampleSpec struct {
	Input  any `yaml:"input"`
	Output any `yaml:"output"`
}

func (s TaskSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	for i, e := range s.Examples {
		if e.Input == nil {
			return fmt.Errorf("example %d: input is required", i)
		}
		if e.Output == nil {
			return fmt.Errorf("example %d: output is required", i)
		}
	}
	return nil
}

func (s TaskSpec) toModel() (model.Task, error) {
	t := model.Task{
		Name:            s.Name,
		Description:     s.Description,
		InputSchema:     s.InputSchema,
		OutputSchema:    s.OutputSchema,
		AccuracyTarget:  s.AccuracyTarget,
		LatencyTargetMs: s.LatencyTargetMs,
		SamplingRate:    model.DefaultSamplingRate,
	}
	if s.SamplingRate != nil {
		t.SamplingRate = *s.SamplingRate
	}

	for i, e := range s.Examples {
		in, err := json.Marshal(e.Input)
		if err != nil {
			return model.Task{}, fmt.Errorf("example %d: input is not JSON compatible: %w", i, err)
		}
		out, err := json.Marshal(e.Output)
		if err != nil {
			return model.Task{}, fmt.Errorf("example %d: output is not JSON compatible: %w", i, err)
		}
		t.Examples = append(t.Examples, model.Example{Input: in, Output: out})
	}

	return t, nil
}
