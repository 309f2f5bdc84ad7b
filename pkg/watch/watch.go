// Package watch provides a debounced filesystem watcher used to notice
// manifest edits during a long-lived sync operation, grounded on the
// teacher's pkg/watch.Watcher: the same fsnotify event loop and debounce
// timer, generalized from "re-run a command" to "invoke a callback".
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/venvforge/pvm/internal/logx"
)

// Options configures a Watcher.
type Options struct {
	// IgnoreDirs are directory names skipped during the initial recursive add.
	IgnoreDirs []string
	// Delay debounces bursts of events (e.g. an editor's save-then-rename) into one callback.
	Delay time.Duration
}

// DefaultOptions mirrors the teacher's watch.DefaultOptions, trimmed to
// the directories relevant to a Python project tree.
func DefaultOptions() Options {
	return Options{
		IgnoreDirs: []string{".git", "__pycache__", ".venv", "venv", "node_modules"},
		Delay:      300 * time.Millisecond,
	}
}

// Watcher watches a directory tree and invokes onChange, debounced, when
// any file under it is written, created, or removed.
type Watcher struct {
	opts    Options
	dir     string
	fsw     *fsnotify.Watcher
	onChange func()
}

// New creates a Watcher rooted at dir.
func New(dir string, opts Options, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{opts: opts, dir: dir, fsw: fsw, onChange: onChange}, nil
}

// Start adds dir's subtree to the watch and blocks, invoking onChange
// (debounced) on relevant events, until ctx is cancelled or the
// underlying watcher is closed.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addPaths(); err != nil {
		return err
	}

	log := logx.For("watch")
	debounce := time.NewTimer(w.opts.Delay)
	debounce.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.shouldWatch(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = true
				debounce.Reset(w.opts.Delay)
			}

		case <-debounce.C:
			if pending {
				pending = false
				w.onChange()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) addPaths() error {
	return filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		name := info.Name()
		for _, ignore := range w.opts.IgnoreDirs {
			if name == ignore {
				return filepath.SkipDir
			}
		}
		_ = w.fsw.Add(path)
		return nil
	})
}

func (w *Watcher) shouldWatch(path string) bool {
	for _, ignore := range w.opts.IgnoreDirs {
		if strings.Contains(path, string(os.PathSeparator)+ignore+string(os.PathSeparator)) {
			return false
		}
	}
	return true
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
