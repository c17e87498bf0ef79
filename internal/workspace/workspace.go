// Package workspace owns the directories downloads are written into and
// works out which file a download produced.
//
// In isolated mode every job gets <root>/<job id>/ to itself. In shared mode
// all jobs write into root and callers must hold the directory lock from
// snapshot to resolve, since resolution is a before/after diff of the
// directory listing.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Manager hands out per-job output directories.
type Manager struct {
	root    string
	isolate bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates root if needed.
func New(root string, isolate bool) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &Manager{root: abs, isolate: isolate, locks: make(map[string]*sync.Mutex)}, nil
}

// Root is the absolute download directory.
func (m *Manager) Root() string { return m.root }

// Isolated reports whether each job gets its own subdirectory.
func (m *Manager) Isolated() bool { return m.isolate }

// Dir returns the directory job jobID writes into.
func (m *Manager) Dir(jobID int64) string {
	if !m.isolate {
		return m.root
	}
	return filepath.Join(m.root, strconv.FormatInt(jobID, 10))
}

// Acquire creates the job's directory and locks it. The returned release
// func must be called once the produced file has been resolved.
func (m *Manager) Acquire(jobID int64) (dir string, release func(), err error) {
	dir = m.Dir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("create workspace: %w", err)
	}

	lock := m.lockFor(dir)
	lock.Lock()
	return dir, lock.Unlock, nil
}

func (m *Manager) lockFor(dir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		m.locks[dir] = l
	}
	return l
}

// Remove deletes an isolated job directory and everything in it. In
// shared mode there is nothing job-owned to remove.
func (m *Manager) Remove(jobID int64) error {
	if !m.isolate {
		return nil
	}
	dir := m.Dir(jobID)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	m.mu.Lock()
	delete(m.locks, dir)
	m.mu.Unlock()
	return nil
}

// JobDirs lists the job ids that have an isolated directory under root.
func (m *Manager) JobDirs() ([]int64, error) {
	if !m.isolate {
		return nil, nil
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
