// Package watch follows a project's state file as another process writes it.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"mapfree/internal/state"
)

// Update is one observed change of a project.
type Update struct {
	Record state.Record
	// Running reports whether the project lock is held.
	Running bool
	Lock    state.LockInfo
	// Err is set when the state file could not be read.
	Err error
}

// Done reports whether the run owning the project has ended.
func (u Update) Done() bool { return !u.Running && u.Record.State.Terminal() }

// Snapshot reads the current state and lock of dir.
func Snapshot(dir string) Update {
	var u Update
	u.Record, u.Err = state.Load(dir)
	if errors.Is(u.Err, fs.ErrNotExist) {
		u.Record, u.Err = state.Record{State: state.Init}, nil
	}
	if info, err := state.ReadLock(dir); err == nil {
		u.Running, u.Lock = true, info
	} else if _, statErr := os.Stat(state.LockPath(dir)); statErr == nil {
		u.Running = true
	}
	return u
}

func same(a, b Update) bool {
	return a.Running == b.Running &&
		a.Record.State == b.Record.State &&
		a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) &&
		(a.Err == nil) == (b.Err == nil)
}

// Follower watches a project directory for state and lock changes.
type Follower struct {
	watcher *fsnotify.Watcher
	dir     string
	log     *slog.Logger
}

// NewFollower starts watching dir, which must exist.
func NewFollower(dir string, log *slog.Logger) (*Follower, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	log.Debug("watching project", "dir", dir)
	return &Follower{watcher: w, dir: dir, log: log}, nil
}

// Close stops the watcher.
func (f *Follower) Close() error { return f.watcher.Close() }

// relevant reports whether name is the state file or the lock. State
// writes land as a rename of a temporary file, so creates count too.
func (f *Follower) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	switch filepath.Clean(ev.Name) {
	case filepath.Clean(state.Path(f.dir)), filepath.Clean(state.LockPath(f.dir)):
		return true
	}
	return false
}

// Updates sends the current snapshot and then every change until ctx is
// done or the watcher fails. The channel is closed on return.
func (f *Follower) Updates(ctx context.Context) <-chan Update {
	out := make(chan Update, 16)
	go func() {
		defer close(out)
		last := Snapshot(f.dir)
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.watcher.Events:
				if !ok {
					return
				}
				if !f.relevant(ev) {
					continue
				}
				u := Snapshot(f.dir)
				if same(u, last) {
					continue
				}
				last = u
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			case err, ok := <-f.watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn("project watcher error", "dir", f.dir, "error", err)
			}
		}
	}()
	return out
}
