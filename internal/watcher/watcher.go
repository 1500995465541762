// Package watcher triggers a callback when files under a set of directories
// change.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches directory trees and calls onChange, debounced, when a
// matching file is written, created, removed or renamed.
type Watcher struct {
	roots    []string
	onChange func()
	debounce time.Duration
	maxDepth int
	match    func(name string) bool
	logger   zerolog.Logger
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets the debounce duration
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithMaxDepth limits how deep below each root directories are watched
func WithMaxDepth(depth int) Option {
	return func(w *Watcher) {
		w.maxDepth = depth
	}
}

// WithFilter restricts the file names that trigger a change
func WithFilter(match func(name string) bool) Option {
	return func(w *Watcher) {
		w.match = match
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher over roots. A root that is a file is watched
// through its directory.
func New(roots []string, onChange func(), opts ...Option) *Watcher {
	w := &Watcher{
		roots:    roots,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		maxDepth: 3,
		match:    func(string) bool { return true },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch blocks until ctx is cancelled
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	watched := 0
	for _, root := range w.roots {
		n, err := w.addTree(fw, root)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", root).Msg("failed to watch path")
			continue
		}
		watched += n
	}
	if watched == 0 {
		return errors.New("no watchable paths")
	}
	w.logger.Info().Int("directories", watched).Msg("watching for manifest changes")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	trigger := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			w.logger.Debug().Str("path", path).Msg("change detected")
			w.onChange()
		})
	}

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, err := w.addTree(fw, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
					trigger(event.Name)
					continue
				}
			}

			if !w.match(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				trigger(event.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")

		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return ctx.Err()
		}
	}
}

// addTree watches root and its subdirectories down to maxDepth
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 1, fw.Add(filepath.Dir(root))
	}

	base := strings.Count(filepath.Clean(root), string(filepath.Separator))
	added := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.Count(filepath.Clean(path), string(filepath.Separator))-base > w.maxDepth {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return err
		}
		added++
		return nil
	})
	return added, err
}
