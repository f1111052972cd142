package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrNoFeatures is returned when the run selects no feature files.
var ErrNoFeatures = errors.New("no feature files found")

// Suite runs a set of features on a pool of workers.
type Suite struct {
	Options Options
	// Hooks may be nil.
	Hooks  HookFactory
	Logger *slog.Logger
}

// Results is the outcome of a suite run, in feature path order.
type Results struct {
	Features []*FeatureResult
}

// Counts returns the number of scenarios run and failed.
func (r *Results) Counts() (total, failed int) {
	for _, f := range r.Features {
		for _, s := range f.Scenarios {
			if s.Skipped {
				continue
			}
			total++
			if s.Failed() {
				failed++
			}
		}
	}
	return total, failed
}

// Load resolves the configured paths and parses every feature file.
func (s *Suite) Load() ([]*Feature, error) {
	files, err := FeatureFiles(s.Options.Paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFeatures
	}
	features := make([]*Feature, 0, len(files))
	for _, path := range files {
		f, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

// FeatureFiles expands paths into sorted absolute feature file paths.
func FeatureFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("feature path: %w", err)
		}
		if !info.IsDir() {
			add(abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".feature") {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Run executes the selected scenarios. Each worker creates one hook and
// runs whole features. Cancelling ctx aborts running scenarios at their
// next step.
func (s *Suite) Run(ctx context.Context) (*Results, error) {
	features, err := s.Load()
	if err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := s.Options.Threads
	if workers < 1 {
		workers = 1
	}
	if workers > len(features) {
		workers = len(features)
	}

	results := make([]*FeatureResult, len(features))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			var hook Hook
			if s.Hooks != nil {
				hook = s.Hooks.CreateHook(name)
			}
			for i := range jobs {
				results[i] = s.runFeature(ctx, features[i], hook, logger.With("worker", name))
			}
		}("worker-" + strconv.Itoa(w))
	}

feed:
	for i := range features {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	out := &Results{}
	for _, r := range results {
		if r != nil {
			out.Features = append(out.Features, r)
		}
	}
	return out, ctx.Err()
}

func (s *Suite) runFeature(ctx context.Context, f *Feature, hook Hook, logger *slog.Logger) *FeatureResult {
	res := &FeatureResult{Feature: f}
	if hook != nil && !hook.BeforeFeature(f) {
		return res
	}
	for _, sc := range f.Scenarios {
		if ctx.Err() != nil {
			break
		}
		if !s.Options.Selects(sc) {
			continue
		}
		sr := NewScenarioRuntime(sc, RuntimeOptions{Hook: hook, Env: s.Options.Env, Logger: logger})
		sres := sr.Run(ctx)
		if sres.Failed() {
			logger.Info("scenario failed", "feature", f.FileName(), "scenario", sc.Name, "error", sres.Err)
		}
		res.Scenarios = append(res.Scenarios, sres)
	}
	if hook != nil {
		hook.AfterFeature(f, res)
	}
	return res
}
