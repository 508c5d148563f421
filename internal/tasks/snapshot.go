package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SchemaVersion is the snapshot format written by SnapshotFile.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("task snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("task snapshot schema version is incompatible")
)

// SnapshotFile persists ledger snapshots with temp file + rename so a crash
// mid-write leaves the previous snapshot intact.
type SnapshotFile struct {
	path string
	mu   sync.Mutex
}

func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{path: path}
}

// Write stores data atomically.
func (f *SnapshotFile) Write(data SnapshotData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data.SchemaVer = SchemaVersion
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (f *SnapshotFile) Load() (SnapshotData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var data SnapshotData
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{SchemaVer: SchemaVersion}, nil
		}
		return data, fmt.Errorf("read task snapshot: %w", err)
	}
	if err := json.Unmarshal(b, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Path returns the snapshot location.
func (f *SnapshotFile) Path() string {
	return f.path
}
