// Package swapdir manages the directory a swap.Backend writes its on-disk
// file into: picking unique filenames, tracking which of those files this
// process owns, and sweeping stale files left behind by a process that
// crashed before it could clean up after itself.
//
// Grounded on GEGL's gegl-buffer-swap.c, which keeps this bookkeeping
// process-global; here it is a Manager value instead, so a deployment can
// point different storage contexts at different swap directories and so
// tests never share state with each other.
package swapdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// filePrefix names every file this package creates, so CleanStale can tell
// its own files apart from anything else a user points the swap directory
// at.
const filePrefix = "tilestore-swap-"

// legacySuffix matches file names a previous naming scheme used; CleanStale
// still sweeps these so an upgrade doesn't leave orphans behind forever.
const legacySuffix = "-shared.swap"

// Manager creates and tracks the swap files living under one directory.
// The zero value is not usable; construct with New.
type Manager struct {
	mu      sync.Mutex
	dir     string
	files   map[string]struct{}
	counter uint64
}

// New creates dir (and any missing parents) with owner-only permissions if
// it does not already exist, sweeps stale files left by dead processes, and
// returns a Manager ready to hand out swap files under it.
func New(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("swapdir: directory must not be empty")
	}

	if info, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("swapdir: stat %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("swapdir: create %s: %w", dir, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("swapdir: %s exists and is not a directory", dir)
	}

	m := &Manager{
		dir:   dir,
		files: make(map[string]struct{}),
	}
	m.cleanStale()

	return m, nil
}

// CreateFile opens a new, uniquely named file under the managed directory
// and returns it along with its path. suffix, if non-empty, is appended to
// the generated name (swap.Backend passes "shared", the one file a backend
// keeps open for its whole lifetime). The caller owns the returned file and
// must eventually call RemoveFile with its path.
func (m *Manager) CreateFile(suffix string) (*os.File, string, error) {
	m.mu.Lock()
	n := m.counter
	m.counter++

	name := fmt.Sprintf("%s%d-%d", filePrefix, os.Getpid(), n)
	if suffix != "" {
		name += "-" + suffix
	}
	path := filepath.Join(m.dir, name)

	if _, exists := m.files[path]; exists {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("swapdir: file collision %s", path)
	}
	m.files[path] = struct{}{}
	m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		m.mu.Lock()
		delete(m.files, path)
		m.mu.Unlock()
		return nil, "", fmt.Errorf("swapdir: create %s: %w", path, err)
	}

	return f, path, nil
}

// RemoveFile forgets path and deletes it from disk. Removing a path this
// Manager did not create is a no-op past the unlink attempt, matching the
// "warn and continue" behavior of the handler this is grounded on, except
// logging is left to the caller (swap.Backend's Logger) rather than done
// here.
func (m *Manager) RemoveFile(path string) {
	m.mu.Lock()
	delete(m.files, path)
	m.mu.Unlock()

	os.Remove(path)
}

// HasFile reports whether path is currently tracked as live.
func (m *Manager) HasFile(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

// Cleanup removes every file this Manager currently tracks, for use at
// process shutdown.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	m.files = make(map[string]struct{})
	m.mu.Unlock()

	for _, p := range paths {
		os.Remove(p)
	}
}

// cleanStale scans the managed directory for swap files (by this package's
// own naming scheme or the legacy suffix) whose owning PID is no longer
// running, and removes them. Called once at construction, matching
// gegl_buffer_swap_clean_dir's call from the swap-directory change handler.
func (m *Manager) cleanStale() {
	_, _ = CleanStale(m.dir)
}

// CleanStale removes every stale swap file under dir — the same sweep New
// performs at construction — and reports how many files it removed. It is
// a standalone function rather than a Manager method so an operator can
// re-run the sweep against a directory without any owning process having
// opened it first (cmd/tilestorectl's "swap clean").
func CleanStale(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("swapdir: read %s: %w", dir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		pid, ok := swapFilePID(name)
		if !ok || pid == 0 {
			continue
		}
		if pidIsRunning(pid) {
			continue
		}

		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}

	return removed, nil
}

// swapFilePID extracts the creating process's PID from a swap file name, if
// name matches either naming scheme this package recognizes.
func swapFilePID(name string) (int, bool) {
	switch {
	case strings.HasPrefix(name, filePrefix):
		rest := strings.TrimPrefix(name, filePrefix)
		field, _, _ := strings.Cut(rest, "-")
		pid, err := strconv.Atoi(field)
		return pid, err == nil

	case strings.HasSuffix(name, legacySuffix):
		field := strings.TrimSuffix(name, legacySuffix)
		pid, err := strconv.Atoi(field)
		return pid, err == nil

	default:
		return 0, false
	}
}

// pidIsRunning reports whether pid names a live process, via the signal-0
// liveness probe: sending signal 0 performs all of kill(2)'s permission and
// existence checks without actually delivering a signal.
func pidIsRunning(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
