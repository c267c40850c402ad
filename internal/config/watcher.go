package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFile names which runtime-reloadable file changed.
type ReloadFile string

const (
	ReloadConfig ReloadFile = "config"
	ReloadPolicy ReloadFile = "policy"
)

// ReloadEvent is emitted once per burst of edits to one file.
type ReloadEvent struct {
	File ReloadFile
	Path string
}

// Watcher reports edits to config.yaml and policy.yaml. Editors often write a
// file in several steps (truncate, write, rename), so events for the same
// file are coalesced until it has been quiet for the settle period.
type Watcher struct {
	homeDir string
	settle  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		settle:  250 * time.Millisecond,
		logger:  logger.With("component", "config_watcher"),
		events:  make(chan ReloadEvent, 4),
	}
}

// SetSettle overrides the quiet period before an edit is reported.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The directory, not the files: policy.yaml may not exist yet, and a
	// rename-into-place replaces the inode a file watch would hold.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	files := map[string]ReloadFile{
		filepath.Clean(ConfigPath(w.homeDir)): ReloadConfig,
		filepath.Clean(PolicyPath(w.homeDir)): ReloadPolicy,
	}
	go w.loop(ctx, fsw, files)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, files map[string]ReloadFile) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]time.Time{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if _, tracked := files[path]; !tracked || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[path] = time.Now().Add(w.settle)
			timer.Reset(w.settle)
		case <-timer.C:
			now := time.Now()
			var wait time.Duration
			for path, due := range pending {
				if left := due.Sub(now); left > 0 {
					if wait == 0 || left < wait {
						wait = left
					}
					continue
				}
				delete(pending, path)
				w.logger.Info("config file changed", "file", files[path], "path", path)
				select {
				case w.events <- ReloadEvent{File: files[path], Path: path}:
				case <-ctx.Done():
					return
				}
			}
			if wait > 0 {
				timer.Reset(wait)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
