package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	tasks       map[string]model.Task
	programs    map[string]model.Program
	executions  map[string]model.Execution
	validations map[string]model.Validation
	canaries    map[string]model.Canary
	mu          sync.RWMutex
	logger      log.Logger
}

var _ storage.Repository = &Repository{}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:       make(map[string]model.Task),
		programs:    make(map[string]model.Program),
		executions:  make(map[string]model.Execution),
		validations: make(map[string]model.Validation),
		canaries:    make(map[string]model.Canary),
		logger:      cfg.Logger,
	}, nil
}

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task with id %s: %w", t.ID, model.ErrAlreadyExists)
	}
	for _, existing := range r.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task with name %s: %w", t.Name, model.ErrAlreadyExists)
		}
	}

	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Created task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}

	tc := copyTask(t)
	return &tc, nil
}

// GetTaskByName retrieves a task by name.
func (r *Repository) GetTaskByName(ctx context.Context, name string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tasks {
		if t.Name == name {
			tc := copyTask(t)
			return &tc, nil
		}
	}

	return nil, fmt.Errorf("task with name %s: %w", name, model.ErrNotFound)
}

// ListTasks returns all tasks sorted by creation time.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, copyTask(t))
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	return tasks, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}

	r.tasks[t.ID] = copyTask(t)
	r.logger.Debugf("Updated task in repository: %s", t.ID)

	return nil
}

// CreateProgram creates a new program version.
func (r *Repository) CreateProgram(ctx context.Context, p model.Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.programs[p.ID]; ok {
		return fmt.Errorf("program with id %s: %w", p.ID, model.ErrAlreadyExists)
	}
	for _, existing := range r.programs {
		if existing.TaskID == p.TaskID && existing.Version == p.Version {
			return fmt.Errorf("program version %d for task %s: %w", p.Version, p.TaskID, model.ErrAlreadyExists)
		}
	}
	if err := r.checkSingleActive(p); err != nil {
		return err
	}

	r.programs[p.ID] = copyProgram(p)
	r.logger.Debugf("Created program in repository: %s (v%d)", p.ID, p.Version)

	return nil
}

// GetProgram retrieves a program by ID.
func (r *Repository) GetProgram(ctx context.Context, id string) (*model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.programs[id]
	if !ok {
		return nil, fmt.Errorf("program %s: %w", id, model.ErrNotFound)
	}

	pc := copyProgram(p)
	return &pc, nil
}

// GetProgramByVersion retrieves a task program by its version.
func (r *Repository) GetProgramByVersion(ctx context.Context, taskID string, version int) (*model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.programs {
		if p.TaskID == taskID && p.Version == version {
			pc := copyProgram(p)
			return &pc, nil
		}
	}

	return nil, fmt.Errorf("program version %d for task %s: %w", version, taskID, model.ErrNotFound)
}

// ListProgramsByTask returns the task programs sorted by version.
func (r *Repository) ListProgramsByTask(ctx context.Context, taskID string) ([]model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var programs []model.Program
	for _, p := range r.programs {
		if p.TaskID == taskID {
			programs = append(programs, copyProgram(p))
		}
	}
	sort.Slice(programs, func(i, j int) bool { return programs[i].Version < programs[j].Version })

	return programs, nil
}

// GetActiveProgram returns the active program of a task.
func (r *Repository) GetActiveProgram(ctx context.Context, taskID string) (*model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.programs {
		if p.TaskID == taskID && p.Status == model.ProgramStatusActive {
			pc := copyProgram(p)
			return &pc, nil
		}
	}

	return nil, fmt.Errorf("active program for task %s: %w", taskID, model.ErrNotFound)
}

// GetLatestVersion returns the highest program version of a task.
func (r *Repository) GetLatestVersion(ctx context.Context, taskID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := 0
	for _, p := range r.programs {
		if p.TaskID == taskID && p.Version > latest {
			latest = p.Version
		}
	}

	return latest, nil
}

// UpdateProgram updates an existing program.
func (r *Repository) UpdateProgram(ctx context.Context, p model.Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkProgramUpdate(p); err != nil {
		return err
	}

	r.programs[p.ID] = copyProgram(p)
	r.logger.Debugf("Updated program in repository: %s", p.ID)

	return nil
}

func (r *Repository) checkProgramUpdate(p model.Program) error {
	old, ok := r.programs[p.ID]
	if !ok {
		return fmt.Errorf("program %s: %w", p.ID, model.ErrNotFound)
	}
	if old.TaskID != p.TaskID || old.Version != p.Version {
		return fmt.Errorf("program %s task and version are immutable: %w", p.ID, model.ErrNotValid)
	}
	return r.checkSingleActive(p)
}

// checkSingleActive fails if p is active and another program of its task already is.
func (r *Repository) checkSingleActive(p model.Program) error {
	if p.Status != model.ProgramStatusActive {
		return nil
	}
	for _, existing := range r.programs {
		if existing.ID != p.ID && existing.TaskID == p.TaskID && existing.Status == model.ProgramStatusActive {
			return fmt.Errorf("task %s already has active program %s: %w", p.TaskID, existing.ID, model.ErrAlreadyExists)
		}
	}
	return nil
}

// CreateExecution stores an execution record.
func (r *Repository) CreateExecution(ctx context.Context, e model.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executions[e.ID]; ok {
		return fmt.Errorf("execution with id %s: %w", e.ID, model.ErrAlreadyExists)
	}

	r.executions[e.ID] = copyExecution(e)

	return nil
}

// DeleteExecutionsBefore removes the executions executed before the time.
func (r *Repository) DeleteExecutionsBefore(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, e := range r.executions {
		if e.ExecutedAt.Before(before) {
			delete(r.executions, id)
			deleted++
		}
	}

	return deleted, nil
}

// GetExecution retrieves an execution record by ID.
func (r *Repository) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}

	ec := copyExecution(e)
	return &ec, nil
}

// ListExecutionsByProgram lists the executions of a program, most recent first.
func (r *Repository) ListExecutionsByProgram(ctx context.Context, programID string, opts storage.ListExecutionsOpts) ([]model.Execution, error) {
	return r.listExecutions(func(e model.Execution) bool { return e.ProgramID == programID }, opts), nil
}

// ListExecutionsByTask lists the executions of a task, most recent first.
func (r *Repository) ListExecutionsByTask(ctx context.Context, taskID string, opts storage.ListExecutionsOpts) ([]model.Execution, error) {
	return r.listExecutions(func(e model.Execution) bool { return e.TaskID == taskID }, opts), nil
}

func (r *Repository) listExecutions(match func(model.Execution) bool, opts storage.ListExecutionsOpts) []model.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var execs []model.Execution
	for _, e := range r.executions {
		if !match(e) {
			continue
		}
		if opts.SampledOnly && !e.SampledForValidation {
			continue
		}
		if !opts.Since.IsZero() && e.ExecutedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && !e.ExecutedAt.Before(opts.Until) {
			continue
		}
		execs = append(execs, copyExecution(e))
	}

	// ULIDs break ties of executions in the same instant.
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].ExecutedAt.Equal(execs[j].ExecutedAt) {
			return execs[i].ID > execs[j].ID
		}
		return execs[i].ExecutedAt.After(execs[j].ExecutedAt)
	})

	if opts.Limit > 0 && len(execs) > opts.Limit {
		execs = execs[:opts.Limit]
	}

	return execs
}

// CreateValidation stores a validation result.
func (r *Repository) CreateValidation(ctx context.Context, v model.Validation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.validations[v.ID]; ok {
		return fmt.Errorf("validation with id %s: %w", v.ID, model.ErrAlreadyExists)
	}
	for _, existing := range r.validations {
		if existing.ExecutionID == v.ExecutionID {
			return fmt.Errorf("validation for execution %s: %w", v.ExecutionID, model.ErrAlreadyExists)
		}
	}

	r.validations[v.ID] = copyValidation(v)

	return nil
}

// GetValidation retrieves a validation by ID.
func (r *Repository) GetValidation(ctx context.Context, id string) (*model.Validation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validations[id]
	if !ok {
		return nil, fmt.Errorf("validation %s: %w", id, model.ErrNotFound)
	}

	vc := copyValidation(v)
	return &vc, nil
}

// GetValidationByExecution retrieves the validation of an execution.
func (r *Repository) GetValidationByExecution(ctx context.Context, executionID string) (*model.Validation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.validations {
		if v.ExecutionID == executionID {
			vc := copyValidation(v)
			return &vc, nil
		}
	}

	return nil, fmt.Errorf("validation for execution %s: %w", executionID, model.ErrNotFound)
}

// ListValidationsByProgram lists the validations of a program, most recent first.
func (r *Repository) ListValidationsByProgram(ctx context.Context, programID string, opts storage.ListValidationsOpts) ([]model.Validation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var vs []model.Validation
	for _, v := range r.validations {
		if v.ProgramID != programID {
			continue
		}
		if opts.InvalidOnly && v.IsValid {
			continue
		}
		vs = append(vs, copyValidation(v))
	}

	sort.Slice(vs, func(i, j int) bool {
		if vs[i].ValidatedAt.Equal(vs[j].ValidatedAt) {
			return vs[i].ID > vs[j].ID
		}
		return vs[i].ValidatedAt.After(vs[j].ValidatedAt)
	})

	if opts.Limit > 0 && len(vs) > opts.Limit {
		vs = vs[:opts.Limit]
	}

	return vs, nil
}

// DeleteValidationsBefore removes the validations validated before the time.
func (r *Repository) DeleteValidationsBefore(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, v := range r.validations {
		if v.ValidatedAt.Before(before) {
			delete(r.validations, id)
			deleted++
		}
	}

	return deleted, nil
}

// CreateCanary creates a new canary deployment.
func (r *Repository) CreateCanary(ctx context.Context, c model.Canary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.canaries[c.ID]; ok {
		return fmt.Errorf("canary with id %s: %w", c.ID, model.ErrAlreadyExists)
	}
	if err := r.checkSingleInProgress(c); err != nil {
		return err
	}

	r.canaries[c.ID] = copyCanary(c)
	r.logger.Debugf("Created canary in repository: %s", c.ID)

	return nil
}

// GetCanary retrieves a canary by ID.
func (r *Repository) GetCanary(ctx context.Context, id string) (*model.Canary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.canaries[id]
	if !ok {
		return nil, fmt.Errorf("canary %s: %w", id, model.ErrNotFound)
	}

	cc := copyCanary(c)
	return &cc, nil
}

// ListCanariesByTask lists the canaries of a task, most recent first.
func (r *Repository) ListCanariesByTask(ctx context.Context, taskID string) ([]model.Canary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cs []model.Canary
	for _, c := range r.canaries {
		if c.TaskID == taskID {
			cs = append(cs, copyCanary(c))
		}
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID > cs[j].ID
		}
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})

	return cs, nil
}

// UpdateCanary updates an existing canary.
func (r *Repository) UpdateCanary(ctx context.Context, c model.Canary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.canaries[c.ID]; !ok {
		return fmt.Errorf("canary %s: %w", c.ID, model.ErrNotFound)
	}
	if err := r.checkSingleInProgress(c); err != nil {
		return err
	}

	r.canaries[c.ID] = copyCanary(c)
	r.logger.Debugf("Updated canary in repository: %s", c.ID)

	return nil
}

// StartRollout creates an in progress canary with its program changes.
func (r *Repository) StartRollout(ctx context.Context, t storage.RolloutTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.canaries[t.Canary.ID]; ok {
		return fmt.Errorf("canary with id %s: %w", t.Canary.ID, model.ErrAlreadyExists)
	}
	if err := r.checkSingleInProgress(t.Canary); err != nil {
		return err
	}
	p, ok := r.programs[t.Canary.NewProgramID]
	if !ok {
		return fmt.Errorf("program %s: %w", t.Canary.NewProgramID, model.ErrNotFound)
	}
	if p.Status != model.ProgramStatusDraft {
		return fmt.Errorf("program %s is %s: %w", p.ID, p.Status, model.ErrRolloutConflict)
	}

	return r.applyRollout(t)
}

// TransitionRollout updates an in progress canary with its program changes.
func (r *Repository) TransitionRollout(ctx context.Context, t storage.RolloutTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.canaries[t.Canary.ID]
	if !ok {
		return fmt.Errorf("canary %s: %w", t.Canary.ID, model.ErrNotFound)
	}
	if stored.Status != model.CanaryStatusInProgress || stored.Stage != t.FromStage {
		return fmt.Errorf("rollout %s changed concurrently (%s at stage %d): %w", stored.ID, stored.Status, stored.Stage, model.ErrRolloutConflict)
	}

	return r.applyRollout(t)
}

func (r *Repository) checkSingleInProgress(c model.Canary) error {
	if c.Status != model.CanaryStatusInProgress {
		return nil
	}
	for _, stored := range r.canaries {
		if stored.ID != c.ID && stored.TaskID == c.TaskID && stored.Status == model.CanaryStatusInProgress {
			return fmt.Errorf("task %s already has rollout %s in progress: %w", c.TaskID, stored.ID, model.ErrRolloutConflict)
		}
	}
	return nil
}

// applyRollout updates the programs and the canary, on error nothing is changed.
func (r *Repository) applyRollout(t storage.RolloutTransition) error {
	previous := maps.Clone(r.programs)
	for _, p := range t.Programs {
		if err := r.checkProgramUpdate(p); err != nil {
			r.programs = previous
			return err
		}
		r.programs[p.ID] = copyProgram(p)
	}

	r.canaries[t.Canary.ID] = copyCanary(t.Canary)
	r.logger.Debugf("Applied rollout transition in repository: %s", t.Canary.ID)

	return nil
}

// Copies avoid sharing slices between the repository and its callers.

func copyTask(t model.Task) model.Task {
	t.Examples = slices.Clone(t.Examples)
	return t
}

func copyProgram(p model.Program) model.Program {
	if p.DeployedAt != nil {
		d := *p.DeployedAt
		p.DeployedAt = &d
	}
	return p
}

func copyExecution(e model.Execution) model.Execution {
	e.Input = slices.Clone(e.Input)
	e.Output = slices.Clone(e.Output)
	return e
}

func copyValidation(v model.Validation) model.Validation {
	v.Errors = slices.Clone(v.Errors)
	return v
}

func copyCanary(c model.Canary) model.Canary {
	c.History = slices.Clone(c.History)
	return c
}
