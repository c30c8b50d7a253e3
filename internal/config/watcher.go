package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events a single editor save
// produces (truncate, write, chmod, rename) into one reload.
const DefaultReloadDebounce = 150 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports settled changes to a fixed set of files, typically the
// system prompt. Parent directories are watched so rename-on-save editors
// are observed too.
type Watcher struct {
	files    map[string]struct{}
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

func NewWatcher(logger *slog.Logger, files ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		files:    make(map[string]struct{}, len(files)),
		debounce: DefaultReloadDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, len(files)+1),
	}
	for _, f := range files {
		if f != "" {
			w.files[filepath.Clean(f)] = struct{}{}
		}
	}
	return w
}

// SetDebounce changes the settle window. Must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d >= 0 {
		w.debounce = d
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches until ctx is canceled, then closes Events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	watched := map[string]bool{}
	for f := range w.files {
		dir := filepath.Dir(f)
		if watched[dir] {
			continue
		}
		watched[dir] = true
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]fsnotify.Op{}
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if _, ok := w.files[path]; !ok {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[path] |= ev.Op
			settle.Reset(w.debounce)
		case <-settle.C:
			for path, op := range pending {
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
					w.logger.Info("watched file changed", "path", path, "op", op.String())
				default:
					w.logger.Debug("reload already pending", "path", path)
				}
				delete(pending, path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}
