// Package cache stores dependency trees between job runs, keyed by
// toolchain, OS and a project-supplied scope fingerprint. Restores are
// best-effort: a miss is a normal absent result, never an error the job
// sees. Saves archive the job's cache root after the script phase; eviction
// of stale entries happens out of band via Sweep.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Entry describes one stored cache archive.
type Entry struct {
	Key        string        `json:"key"`
	CreatedAt  time.Time     `json:"created_at"`
	LastAccess time.Time     `json:"last_access"`
	Timeout    time.Duration `json:"timeout,omitempty"` // advisory unused-entry eviction age, 0 = keep forever
	Size       int64         `json:"size"`
}

// Manager is a filesystem-backed cache store. Each entry is a
// <key>.tar.zst archive plus a <key>.json sidecar carrying timestamps and
// the advisory timeout. Concurrent jobs address distinct keys, so writes
// are last-write-wins without locking.
type Manager struct {
	root string
}

// NewManager opens (creating if needed) a cache store rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Manager{root: dir}, nil
}

// Root returns the store's directory.
func (m *Manager) Root() string { return m.root }

func (m *Manager) archivePath(key string) string {
	return filepath.Join(m.root, key+".tar.zst")
}

func (m *Manager) metaPath(key string) string {
	return filepath.Join(m.root, key+".json")
}

// Restore unpacks the entry for key into dest and refreshes its last-access
// time. A missing entry is reported as (false, nil): the job proceeds with
// an empty cache directory.
func (m *Manager) Restore(key, dest string) (bool, error) {
	f, err := os.Open(m.archivePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open cache entry: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return false, fmt.Errorf("failed to create cache destination: %w", err)
	}
	if err := unpackDir(f, dest); err != nil {
		return false, fmt.Errorf("failed to unpack cache entry: %w", err)
	}
	m.touch(key)
	return true, nil
}

// Save archives src as the entry for key, replacing any previous payload.
// The write goes through a temp file and rename so a concurrent restore
// never sees a half-written archive.
func (m *Manager) Save(key, src string, timeout time.Duration) error {
	tmp, err := os.CreateTemp(m.root, "save-*.tar.zst")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := packDir(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to pack cache entry: %w", err)
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.archivePath(key)); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	now := time.Now()
	meta := Entry{
		Key:        key,
		CreatedAt:  now,
		LastAccess: now,
		Timeout:    timeout,
		Size:       size,
	}
	if prev, err := m.readMeta(key); err == nil {
		meta.CreatedAt = prev.CreatedAt
	}
	return m.writeMeta(meta)
}

// Entries lists the store's contents.
func (m *Manager) Entries() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(m.root, "*.json"))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(matches))
	for _, path := range matches {
		key := filepath.Base(path)
		key = key[:len(key)-len(".json")]
		meta, err := m.readMeta(key)
		if err != nil {
			continue
		}
		entries = append(entries, meta)
	}
	return entries, nil
}

// Sweep evicts entries whose last access is older than their timeout and
// returns how many were removed. Entries without a timeout are kept
// forever. This is where the spec's advisory timeout becomes concrete: the
// store that owns the files enforces it, not the per-job cache path.
func (m *Manager) Sweep(now time.Time) (int, error) {
	entries, err := m.Entries()
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, entry := range entries {
		if entry.Timeout <= 0 {
			continue
		}
		if now.Sub(entry.LastAccess) <= entry.Timeout {
			continue
		}
		if err := os.Remove(m.archivePath(entry.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return evicted, err
		}
		if err := os.Remove(m.metaPath(entry.Key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

func (m *Manager) readMeta(key string) (Entry, error) {
	data, err := os.ReadFile(m.metaPath(key))
	if err != nil {
		return Entry{}, err
	}
	var meta Entry
	if err := json.Unmarshal(data, &meta); err != nil {
		return Entry{}, err
	}
	return meta, nil
}

func (m *Manager) writeMeta(meta Entry) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.metaPath(meta.Key), data, 0644)
}

// touch refreshes last-access after a restore. Best effort: a failure here
// only shortens the entry's effective lifetime.
func (m *Manager) touch(key string) {
	meta, err := m.readMeta(key)
	if err != nil {
		return
	}
	meta.LastAccess = time.Now()
	_ = m.writeMeta(meta)
}
