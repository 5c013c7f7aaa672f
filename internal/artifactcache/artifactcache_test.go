package artifactcache_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/distill/internal/artifactcache"
	"github.com/slok/distill/internal/model"
	"github.com/slok/distill/internal/storage/storagetest"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newCache(t *testing.T) (*artifactcache.Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := artifactcache.NewCache(artifactcache.CacheConfig{Dir: dir, Clock: func() time.Time { return now }})
	require.NoError(t, err)
	return c, dir
}

func TestCachePublish(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	c, dir := newCache(t)
	task := storagetest.TaskFixture("t1", "sum")
	p1 := storagetest.ProgramFixture("p1", "t1", 1)
	p2 := storagetest.ProgramFixture("p2", "t1", 2)
	p2.Code = "def run(input):\n    return {\"sum\": 0}\n"

	// Nothing stored yet.
	_, err := c.Active(ctx, "t1")
	assert.ErrorIs(err, model.ErrNotFound)
	vs, err := c.Versions(ctx, "t1")
	require.NoError(err)
	assert.Empty(vs)

	require.NoError(c.Publish(ctx, task, p1))
	require.NoError(c.Store(ctx, task, p2))

	// Storing doesn't change the active version.
	a, err := c.Active(ctx, "t1")
	require.NoError(err)
	assert.Equal(p1.Code, a.Code)
	assert.Equal("p1", a.Metadata.ProgramID)
	assert.Equal("sum", a.Metadata.TaskName)
	assert.Equal("program.star", a.Metadata.File)
	assert.Equal(now, a.Metadata.StoredAt)

	require.NoError(c.SetActive(ctx, "t1", 2))
	a, err = c.Active(ctx, "t1")
	require.NoError(err)
	assert.Equal(2, a.Metadata.Version)
	assert.Equal(p2.Code, a.Code)

	vs, err = c.Versions(ctx, "t1")
	require.NoError(err)
	assert.Equal([]int{1, 2}, vs)

	code, err := os.ReadFile(filepath.Join(dir, "t1", "v2", "program.star"))
	require.NoError(err)
	assert.Equal(p2.Code, string(code))
	marker, err := os.ReadFile(filepath.Join(dir, "t1", "ACTIVE"))
	require.NoError(err)
	assert.Equal("v2\n", string(marker))
}

func TestCacheErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	task := storagetest.TaskFixture("t1", "sum")

	tests := map[string]struct {
		run    func() error
		expErr error
	}{
		"Activating a missing version should fail.": {
			run:    func() error { return c.SetActive(ctx, "t1", 9) },
			expErr: model.ErrNotFound,
		},
		"Getting a missing version should fail.": {
			run: func() error {
				_, err := c.Get(ctx, "t1", 9)
				return err
			},
			expErr: model.ErrNotFound,
		},
		"Storing a program of another task should fail.": {
			run:    func() error { return c.Store(ctx, task, storagetest.ProgramFixture("p1", "t2", 1)) },
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, test.run(), test.expErr)
		})
	}
}

func TestCacheConcurrentPublish(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c, _ := newCache(t)
	task := storagetest.TaskFixture("t1", "sum")

	var wg sync.WaitGroup
	for v := 1; v <= 10; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			p := storagetest.ProgramFixture("p", "t1", v)
			assert.NoError(t, c.Publish(ctx, task, p))
		}(v)
	}
	wg.Wait()

	vs, err := c.Versions(ctx, "t1")
	require.NoError(err)
	require.Len(vs, 10)

	a, err := c.Active(ctx, "t1")
	require.NoError(err)
	assert.Contains(t, vs, a.Metadata.Version)
}

func TestNewCacheRequiresDir(t *testing.T) {
	_, err := artifactcache.NewCache(artifactcache.CacheConfig{})
	assert.Error(t, err)
}
