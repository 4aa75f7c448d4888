package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mapfree/internal/apperr"
)

const lockName = ".lock"

// LockInfo identifies the owner of a project lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an exclusive claim on a project directory.
type Lock struct {
	path string
	info LockInfo
}

// LockPath is the lock file location inside dir.
func LockPath(dir string) string { return filepath.Join(dir, lockName) }

// Info returns the owner recorded in the lock.
func (l *Lock) Info() LockInfo { return l.info }

// unreadableGrace is how long an unreadable lock counts as live.
const unreadableGrace = 10 * time.Second

// AcquireLock claims dir for runID. An existing lock held by a live process
// on this host, by another run of this process, or by another host yields a
// LockError and leaves the directory untouched. A lock whose owner is gone
// or whose content stayed unreadable past a grace period is reclaimed,
// reported by reclaimed.
func AcquireLock(dir, runID string) (lock *Lock, reclaimed bool, err error) {
	host, _ := os.Hostname()
	info := LockInfo{PID: os.Getpid(), Host: host, RunID: runID, StartedAt: time.Now().UTC()}
	path := LockPath(dir)

	for attempt := 0; attempt < 3; attempt++ {
		err := createExclusive(dir, path, info)
		if err == nil {
			return &Lock{path: path, info: info}, reclaimed, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, false, fmt.Errorf("create lock: %w", err)
		}

		seen, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			// Released between our create and read.
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read lock: %w", err)
		}
		owner, parseErr := parseLock(seen)
		if parseErr == nil {
			switch {
			case owner.Host != host:
				return nil, false, apperr.Newf(apperr.ErrLock, "prepare",
					"project is locked by pid %d on host %s (run %s)", owner.PID, owner.Host, owner.RunID)
			case owner.PID == info.PID && owner.RunID == runID:
				return &Lock{path: path, info: owner}, false, nil
			case owner.PID == info.PID:
				return nil, false, apperr.Newf(apperr.ErrLock, "prepare",
					"project is locked by run %s in this process", owner.RunID)
			case processAlive(owner.PID):
				return nil, false, apperr.Newf(apperr.ErrLock, "prepare",
					"project is locked by running pid %d (run %s)", owner.PID, owner.RunID)
			}
		} else if st, err := os.Stat(path); err == nil && time.Since(st.ModTime()) < unreadableGrace {
			return nil, false, apperr.Newf(apperr.ErrLock, "prepare",
				"project lock is unreadable (%v) and was modified %s ago", parseErr, time.Since(st.ModTime()).Round(time.Second))
		}

		ok, err := reclaimStale(path, seen)
		if err != nil {
			return nil, false, err
		}
		reclaimed = reclaimed || ok
	}
	return nil, false, apperr.Newf(apperr.ErrLock, "prepare", "lost the race to reclaim %s", path)
}

// reclaimStale moves the lock aside and deletes it if it still holds the
// content judged stale. A lock another process put in place meanwhile is
// restored.
func reclaimStale(path string, seen []byte) (bool, error) {
	aside := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("move stale lock: %w", err)
	}
	defer os.Remove(aside)

	got, err := os.ReadFile(aside)
	if err != nil {
		return false, fmt.Errorf("read stale lock: %w", err)
	}
	if bytes.Equal(got, seen) {
		return true, nil
	}
	if err := os.Link(aside, path); err != nil && !errors.Is(err, os.ErrExist) {
		return false, fmt.Errorf("restore lock: %w", err)
	}
	return false, nil
}

// createExclusive writes the lock to a private file and links it into
// place, so readers never observe a partial lock.
func createExclusive(dir, path string, info LockInfo) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d", path, info.PID, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Link(tmp, path)
}

// ReadLock returns the current owner of dir's lock.
func ReadLock(dir string) (LockInfo, error) {
	data, err := os.ReadFile(LockPath(dir))
	if err != nil {
		return LockInfo{}, err
	}
	return parseLock(data)
}

func parseLock(data []byte) (LockInfo, error) {
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, err
	}
	if info.PID <= 0 {
		return LockInfo{}, fmt.Errorf("lock has invalid pid %d", info.PID)
	}
	return info, nil
}

// Release removes the lock file if it is still owned by this lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	owner, err := ReadLock(filepath.Dir(l.path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner.PID != l.info.PID || owner.RunID != l.info.RunID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
