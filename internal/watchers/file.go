package watchers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
	"github.com/fsnotify/fsnotify"
)

const maxFileExcerpt = 16 << 10

// FileSource reports every regular file in the inbox directory. The origin
// ref is "<name>#<mtime>", so a file rewritten in place becomes a new task
// while a rescan of an unchanged file is a duplicate.
type FileSource struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewFileSource(cfg config.FileWatcherConfig, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{dir: cfg.Inbox, debounce: cfg.Debounce(), logger: logger, now: time.Now}
}

func (f *FileSource) Name() string { return "file" }

func (f *FileSource) Poll(ctx context.Context) ([]intake.Event, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []intake.Event
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		// Still being written; the next trigger or rescan picks it up.
		if f.debounce > 0 && f.now().Sub(info.ModTime()) < f.debounce {
			continue
		}
		out = append(out, intake.Event{
			Source:    persistence.SourceFile,
			OriginRef: name + "#" + strconv.FormatInt(info.ModTime().UnixNano(), 10),
			Subject:   name,
			Content:   describeFile(filepath.Join(f.dir, name), info),
		})
	}
	return out, nil
}

// describeFile returns the text of small text files, or a one-line summary
// for anything binary.
func describeFile(path string, info os.FileInfo) string {
	header := fmt.Sprintf("File dropped: %s (%d bytes)", info.Name(), info.Size())
	fh, err := os.Open(path)
	if err != nil {
		return header
	}
	defer fh.Close()
	buf, err := io.ReadAll(io.LimitReader(fh, maxFileExcerpt))
	if err != nil || len(buf) == 0 {
		return header
	}
	ctype := http.DetectContentType(buf)
	if !strings.HasPrefix(ctype, "text/") || !utf8.Valid(buf) {
		return header + "\nContent-Type: " + ctype
	}
	text := string(buf)
	if info.Size() > maxFileExcerpt {
		text += "\n[truncated]"
	}
	return header + "\n\n" + text
}

// Notify watches the inbox with fsnotify and signals after a quiet period
// of debounce following the last create or write.
func (f *FileSource) Notify(ctx context.Context) (<-chan struct{}, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(f.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		defer close(out)
		// Wait a little past the debounce so Poll sees the file as settled.
		quiet := f.debounce + f.debounce/2
		if quiet <= 0 {
			quiet = 100 * time.Millisecond
		}
		timer := time.NewTimer(quiet)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(quiet)
			case <-timer.C:
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				f.logger.Warn("inbox watch error", "error", err)
			}
		}
	}()
	return out, nil
}
