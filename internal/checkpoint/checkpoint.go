package checkpoint

// ============================================================================
// Responsibilities:
// 1. Persist one workflow checkpoint per instance id
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Validate the schema version on load
// 4. Enumerate stored checkpoints for crash recovery
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// SchemaVersion is the checkpoint format written by this package.
const SchemaVersion = 1

var (
	ErrNotFound            = errors.New("checkpoint not found")
	ErrCorrupted           = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
	ErrInvalidID           = errors.New("invalid checkpoint id")
)

// Checkpoint is the persisted form of a workflow instance: enough to resume
// exactly where it stopped.
type Checkpoint struct {
	InstanceID  string         `json:"instance_id"`
	GraphID     string         `json:"graph_id"`
	CurrentNode string         `json:"current_node"`
	State       map[string]any `json:"state"`
	Counters    map[string]int `json:"iteration_counters"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	SchemaVer   int            `json:"schema_version"`
	SavedAt     time.Time      `json:"saved_at"`
}

// Store persists checkpoints keyed by instance id.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, instanceID string) (Checkpoint, error)
	Delete(ctx context.Context, instanceID string) error
	List(ctx context.Context) ([]string, error)
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore keeps each checkpoint in <dir>/<instance_id>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save writes cp atomically.
func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	path, err := s.path(cp.InstanceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp.SchemaVer = SchemaVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for instanceID.
func (s *FileStore) Load(ctx context.Context, instanceID string) (Checkpoint, error) {
	var cp Checkpoint
	path, err := s.path(instanceID)
	if err != nil {
		return cp, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
		}
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// Delete removes the checkpoint. Deleting a missing checkpoint is not an error.
func (s *FileStore) Delete(ctx context.Context, instanceID string) error {
	path, err := s.path(instanceID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns stored instance ids in lexical order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore keeps encoded checkpoints in memory. Values go through the same
// JSON encoding as FileStore so a resumed state looks identical for both.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.InstanceID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidID, cp.InstanceID)
	}
	cp.SchemaVer = SchemaVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	s.mu.Lock()
	s.data[cp.InstanceID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, instanceID string) (Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.data[instanceID]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return decode(data)
}

func (s *MemoryStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	delete(s.data, instanceID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Decode parses an encoded checkpoint and validates its schema version.
// Stores backed by other media reuse it.
func Decode(data []byte) (Checkpoint, error) {
	return decode(data)
}

func decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if cp.SchemaVer != SchemaVersion {
		return cp, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, cp.SchemaVer, SchemaVersion)
	}
	if cp.State == nil {
		cp.State = make(map[string]any)
	}
	if cp.Counters == nil {
		cp.Counters = make(map[string]int)
	}
	return cp, nil
}
