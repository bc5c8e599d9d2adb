// Package watch rebuilds bundles when files below the bundle root change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when no positive debounce is configured
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc is invoked with the sorted, deduplicated paths (relative to the
// watched root) that changed during one debounce window.
type ChangeFunc func(ctx context.Context, changed []string) error

// Watcher monitors a directory tree and fires a debounced callback. Callbacks
// run on the event loop, so they never overlap.
type Watcher struct {
	root     string
	ignore   []string
	debounce time.Duration
	onChange ChangeFunc
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

// New creates a watcher for root. Paths matching an ignore pattern (doublestar
// syntax, relative to root) never trigger the callback.
func New(root string, ignore []string, debounce time.Duration, onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     abs,
		ignore:   ignore,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		fsw:      fsw,
	}

	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is done. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("failed to close watcher", "error", err)
		}
	}()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	w.logger.Info("watching for changes", "root", w.root, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			rel, ok := w.relative(evt.Name)
			if !ok || w.ignored(rel) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddTree(evt.Name)
			}

			pending[rel] = struct{}{}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)

			w.logger.Info("detected changes", "count", len(changed))
			if w.onChange != nil {
				if err := w.onChange(ctx, changed); err != nil {
					w.logger.Error("rebuild failed", "error", err)
				}
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("event queue overflowed, some changes may be coalesced", "error", err)
				continue
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// addTree registers dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping inaccessible path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && rel != "." && w.ignored(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// maybeAddTree extends the watch to directories created after startup.
func (w *Watcher) maybeAddTree(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn("failed to watch new directory", "path", path, "error", err)
	}
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) ignored(rel string) bool {
	for _, p := range w.ignore {
		if doublestar.MatchUnvalidated(p, rel) {
			return true
		}
	}
	return false
}
