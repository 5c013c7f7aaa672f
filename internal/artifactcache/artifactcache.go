// Package artifactcache keeps the generated programs on disk so they can be
// inspected and run without the database.
//
// Layout:
//
//	<dir>/<task-id>/ACTIVE                 active version (e.g. `v3`)
//	<dir>/<task-id>/v<N>/program.<ext>     program code
//	<dir>/<task-id>/v<N>/metadata.json     program metadata
package artifactcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/slok/distill/internal/log"
	"github.com/slok/distill/internal/model"
)

const (
	activeFile   = "ACTIVE"
	metadataFile = "metadata.json"
	lockFile     = ".lock"
)

var extensions = map[string]string{
	"starlark":   "star",
	"python":     "py",
	"javascript": "js",
}

// CacheConfig is the configuration of the artifact cache.
type CacheConfig struct {
	Dir    string
	Clock  func() time.Time
	Logger log.Logger
}

func (c *CacheConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "artifactcache.Cache"})
	return nil
}

// Cache is an on-disk program artifact cache safe for concurrent processes.
type Cache struct {
	dir    string
	clock  func() time.Time
	logger log.Logger
}

// NewCache returns a new artifact cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Cache{
		dir:    cfg.Dir,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Metadata is the stored information of a program artifact.
type Metadata struct {
	TaskID               string     `json:"task_id"`
	TaskName             string     `json:"task_name"`
	ProgramID            string     `json:"program_id"`
	Version              int        `json:"version"`
	Language             string     `json:"language"`
	File                 string     `json:"file"`
	LinesOfCode          int        `json:"lines_of_code"`
	CyclomaticComplexity int        `json:"cyclomatic_complexity"`
	CreatedAt            time.Time  `json:"created_at"`
	DeployedAt           *time.Time `json:"deployed_at,omitempty"`
	StoredAt             time.Time  `json:"stored_at"`
}

// Artifact is a cached program.
type Artifact struct {
	Metadata Metadata
	Code     string
}

// Store writes the program artifact, replacing a previous one of the same version.
func (c *Cache) Store(ctx context.Context, task model.Task, p model.Program) error {
	if p.TaskID != task.ID {
		return fmt.Errorf("program %s is not from task %s: %w", p.ID, task.ID, model.ErrNotValid)
	}

	return c.withLock(task.ID, func() error {
		return c.store(task, p)
	})
}

func (c *Cache) store(task model.Task, p model.Program) error {
	dir := c.versionDir(task.ID, p.Version)
	file := "program." + extension(p.Language)

	md := Metadata{
		TaskID:               task.ID,
		TaskName:             task.Name,
		ProgramID:            p.ID,
		Version:              p.Version,
		Language:             p.Language,
		File:                 file,
		LinesOfCode:          p.Complexity.LinesOfCode,
		CyclomaticComplexity: p.Complexity.CyclomaticComplexity,
		CreatedAt:            p.CreatedAt,
		DeployedAt:           p.DeployedAt,
		StoredAt:             c.clock().UTC(),
	}
	mdJSON, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal metadata: %w", err)
	}

	if err := atomicWrite(filepath.Join(dir, file), []byte(p.Code)); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, metadataFile), mdJSON); err != nil {
		return err
	}

	c.logger.Debugf("Stored program %s v%d artifact in %s", task.ID, p.Version, dir)
	return nil
}

// SetActive marks a stored version as the active one of the task.
func (c *Cache) SetActive(ctx context.Context, taskID string, version int) error {
	return c.withLock(taskID, func() error {
		return c.setActive(taskID, version)
	})
}

func (c *Cache) setActive(taskID string, version int) error {
	if _, err := os.Stat(filepath.Join(c.versionDir(taskID, version), metadataFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("artifact %s v%d: %w", taskID, version, model.ErrNotFound)
		}
		return fmt.Errorf("could not stat artifact: %w", err)
	}

	if err := atomicWrite(filepath.Join(c.dir, taskID, activeFile), []byte(versionName(version)+"\n")); err != nil {
		return err
	}

	c.logger.Debugf("Artifact %s v%d is active", taskID, version)
	return nil
}

// Publish stores the program artifact and marks it as active.
func (c *Cache) Publish(ctx context.Context, task model.Task, p model.Program) error {
	return c.withLock(task.ID, func() error {
		if err := c.store(task, p); err != nil {
			return err
		}
		return c.setActive(task.ID, p.Version)
	})
}

// Active returns the active artifact of a task.
func (c *Cache) Active(ctx context.Context, taskID string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, taskID, activeFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("active artifact of %s: %w", taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read active marker: %w", err)
	}

	version, ok := parseVersion(strings.TrimSpace(string(data)))
	if !ok {
		return nil, fmt.Errorf("invalid active marker %q: %w", string(data), model.ErrNotValid)
	}

	return c.Get(ctx, taskID, version)
}

// Get returns a stored artifact.
func (c *Cache) Get(ctx context.Context, taskID string, version int) (*Artifact, error) {
	dir := c.versionDir(taskID, version)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s v%d: %w", taskID, version, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("could not unmarshal metadata: %w", err)
	}

	code, err := os.ReadFile(filepath.Join(dir, md.File))
	if err != nil {
		return nil, fmt.Errorf("could not read program: %w", err)
	}

	return &Artifact{Metadata: md, Code: string(code)}, nil
}

// Versions returns the stored versions of a task sorted ascending.
func (c *Cache) Versions(ctx context.Context, taskID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read task dir: %w", err)
	}

	var versions []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if v, ok := parseVersion(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	return versions, nil
}

func (c *Cache) withLock(taskID string, f func() error) error {
	dir := filepath.Join(c.dir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create task dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("could not lock %s: %w", dir, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			c.logger.Warningf("Could not unlock %s: %s", dir, err)
		}
	}()

	return f()
}

func (c *Cache) versionDir(taskID string, version int) string {
	return filepath.Join(c.dir, taskID, versionName(version))
}

func versionName(v int) string { return "v" + strconv.Itoa(v) }

func parseVersion(s string) (int, bool) {
	if !strings.HasPrefix(s, "v") {
		return 0, false
	}
	v, err := strconv.Atoi(s[1:])
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func extension(language string) string {
	if ext, ok := extensions[language]; ok {
		return ext
	}
	return "txt"
}

// atomicWrite writes the file with a temp file rename so readers never see partial writes.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("could not sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("could not set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("could not rename temp file to %s: %w", path, err)
	}

	return nil
}
