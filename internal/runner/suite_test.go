package runner

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureFiles(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"b.feature":        "Feature: b\n",
		"nested/a.feature": "Feature: a\n",
		"nested/skip.txt":  "x",
	})
	files, err := FeatureFiles([]string{dir, filepath.Join(dir, "b.feature")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "b.feature"),
		filepath.Join(dir, "nested", "a.feature"),
	}, files)

	_, err = FeatureFiles([]string{filepath.Join(dir, "absent")})
	assert.Error(t, err)
}

func TestSuiteRun(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.feature": "Feature: a\n@smoke\nScenario: one\n  * def x = 1\nScenario: two\n  * assert false\n",
		"b.feature": "Feature: b\n@smoke\nScenario: three\n  * match karate.env == 'dev'\n",
		"c.feature": "Feature: c\nScenario: four\n  * def y = 2\n",
	})

	var (
		mu    sync.Mutex
		names []string
	)
	hooks := make(map[string]*recordingHook)
	factory := HookFactoryFunc(func(name string) Hook {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, name)
		h := &recordingHook{}
		hooks[name] = h
		return h
	})

	s := &Suite{Options: Options{Paths: []string{dir}, Threads: 2, Env: "dev"}, Hooks: factory}
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	total, failed := res.Counts()
	assert.Equal(t, 4, total)
	assert.Equal(t, 1, failed)
	require.Len(t, res.Features, 3)
	assert.Equal(t, "a.feature", res.Features[0].Feature.FileName())
	assert.True(t, res.Features[0].Failed())
	assert.False(t, res.Features[1].Failed())

	sort.Strings(names)
	assert.Equal(t, []string{"worker-1", "worker-2"}, names)

	var features []string
	for _, h := range hooks {
		features = append(features, h.features...)
	}
	sort.Strings(features)
	assert.Equal(t, []string{"a.feature", "b.feature", "c.feature"}, features)
}

func TestSuiteTagFilter(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.feature": "Feature: a\n@smoke\nScenario: one\n  * def x = 1\nScenario: two\n  * assert false\n",
	})
	s := &Suite{Options: Options{Paths: []string{dir}, Tags: TagFilter{{"@smoke"}}}}
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	total, failed := res.Counts()
	assert.Equal(t, 1, total)
	assert.Zero(t, failed)
}

func TestSuiteErrors(t *testing.T) {
	dir := writeFiles(t, map[string]string{"bad.feature": "Scenario: x\n"})
	_, err := (&Suite{Options: Options{Paths: []string{dir}}}).Run(context.Background())
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)

	_, err = (&Suite{Options: Options{Paths: []string{t.TempDir()}}}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoFeatures)
}
