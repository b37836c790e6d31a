// Package checkpoint persists per-thread workflow state between turns.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/deepresearch/internal/state"
)

// ErrNotFound is returned when a thread has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the saved position of one thread's workflow.
type Checkpoint struct {
	ThreadID  string       `json:"thread_id"`
	Node      string       `json:"node"`           // last node completed
	Next      string       `json:"next,omitempty"` // node to run on resume, empty when halted
	Steps     int          `json:"steps"`          // node executions in the current turn
	State     *state.State `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store saves and resumes checkpoints keyed by thread.
type Store interface {
	Save(cp *Checkpoint) error
	Load(threadID string) (*Checkpoint, error)
	Delete(threadID string) error
	List() ([]string, error)
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Save stores a copy of cp.
func (s *MemoryStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ThreadID] = clone(cp)
	return nil
}

// Load returns a copy of the thread's checkpoint.
func (s *MemoryStore) Load(threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
	}
	return clone(cp), nil
}

// Delete removes the thread's checkpoint. Deleting a missing thread is not an error.
func (s *MemoryStore) Delete(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	return nil
}

// List returns every thread with a checkpoint, sorted.
func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func clone(cp *Checkpoint) *Checkpoint {
	c := *cp
	if cp.State != nil {
		c.State = cp.State.Clone()
	}
	return &c
}

// FileStore writes one JSON file per thread.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, threadID+".json")
}

// Save writes cp, replacing any previous checkpoint atomically.
func (s *FileStore) Save(cp *Checkpoint) error {
	if err := validID(cp.ThreadID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(cp.ThreadID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(cp.ThreadID))
}

// Load reads the thread's checkpoint.
func (s *FileStore) Load(threadID string) (*Checkpoint, error) {
	if err := validID(threadID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path(threadID))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
		}
		return nil, err
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

// Delete removes the thread's checkpoint file.
func (s *FileStore) Delete(threadID string) error {
	if err := validID(threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(threadID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every thread with a checkpoint file, sorted.
func (s *FileStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// validID rejects thread ids that could escape the store directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid thread id %q", id)
	}
	return nil
}
