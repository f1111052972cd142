package runner

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// SourceWatcher reports changes to a fixed set of feature files. It watches
// their directories, since editors often replace a file rather than write
// it in place.
type SourceWatcher struct {
	fsw      *fsnotify.Watcher
	files    map[string]bool
	onChange func(path string)
	onError  func(err error)
	delay    time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// WatchSources starts watching files. onChange runs on a timer goroutine
// once per burst of changes to a file. onError may be nil.
func WatchSources(files []string, onChange func(path string), onError func(err error)) (*SourceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &SourceWatcher{
		fsw:      fsw,
		files:    make(map[string]bool),
		onChange: onChange,
		onError:  onError,
		delay:    DefaultDebounce,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			_ = fsw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *SourceWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if w.files[path] {
				w.schedule(path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *SourceWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.delay)
		return
	}
	w.pending[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.onChange(path)
		}
	})
}

// ErrWatcherClosed is returned by Close on the second call.
var ErrWatcherClosed = errors.New("watcher closed")

// Close stops watching and cancels pending notifications.
func (w *SourceWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return w.fsw.Close()
}
