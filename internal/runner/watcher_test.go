package runner

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceWatcher(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.feature": "Feature: a\n",
		"other.txt": "x",
	})
	path := filepath.Join(dir, "a.feature")

	var (
		mu      sync.Mutex
		changed []string
	)
	w, err := WatchSources([]string{path}, func(p string) {
		mu.Lock()
		changed = append(changed, p)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("Feature: a\n# edited\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, p := range changed {
		assert.Equal(t, path, p)
	}
}

func TestSourceWatcherClose(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.feature": "Feature: a\n"})
	w, err := WatchSources([]string{filepath.Join(dir, "a.feature")}, func(string) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrWatcherClosed)
}
