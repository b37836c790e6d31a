// Package session tracks conversation threads and their lifecycle.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status constants for threads.
const (
	StatusActive   = "active"   // turn in progress or ready for input
	StatusAwaiting = "awaiting" // clarifying question asked
	StatusComplete = "complete" // report delivered, thread retired
	StatusFailed   = "failed"
)

// Event types for the thread log.
const (
	EventUser          = "user"
	EventClarification = "clarification"
	EventReport        = "report"
	EventError         = "error"
	EventRetired       = "retired"
)

// ErrNotFound is returned for unknown threads.
var ErrNotFound = errors.New("thread not found")

// Session is one conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Turns     int       `json:"turns"`
	Report    string    `json:"report,omitempty"`
	Successor string    `json:"successor,omitempty"` // thread that replaced this one
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one entry in a thread's log.
type Event struct {
	SeqID     uint64    `json:"seq"`
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AddEvent appends an event and bumps UpdatedAt.
func (s *Session) AddEvent(typ, content string) uint64 {
	var seq uint64 = 1
	if n := len(s.Events); n > 0 {
		seq = s.Events[n-1].SeqID + 1
	}
	now := time.Now().UTC()
	s.Events = append(s.Events, Event{SeqID: seq, Type: typ, Content: content, Timestamp: now})
	s.UpdatedAt = now
	return seq
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Events = append([]Event(nil), s.Events...)
	return &c
}

// Store persists threads.
type Store interface {
	Get(id string) (*Session, error)
	Put(sess *Session) error
	Delete(id string) error
	List() ([]*Session, error)
}

// EvictionPolicy picks threads to drop. It sees every stored thread.
type EvictionPolicy interface {
	Evict(now time.Time, sessions []*Session) []string
}

// NoEviction keeps everything.
type NoEviction struct{}

func (NoEviction) Evict(time.Time, []*Session) []string { return nil }

// TTLEviction drops threads idle for longer than TTL.
type TTLEviction struct {
	TTL time.Duration
}

func (p TTLEviction) Evict(now time.Time, sessions []*Session) []string {
	var ids []string
	for _, s := range sessions {
		if now.Sub(s.UpdatedAt) > p.TTL {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// MaxEntriesEviction keeps at most Max threads, dropping the least recently updated.
type MaxEntriesEviction struct {
	Max int
}

func (p MaxEntriesEviction) Evict(now time.Time, sessions []*Session) []string {
	if p.Max <= 0 || len(sessions) <= p.Max {
		return nil
	}
	sorted := append([]*Session(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
	})
	excess := len(sorted) - p.Max
	ids := make([]string, 0, excess)
	for _, s := range sorted[:excess] {
		ids = append(ids, s.ID)
	}
	return ids
}

// Policies combines several policies; a thread picked by any is evicted.
type Policies []EvictionPolicy

func (ps Policies) Evict(now time.Time, sessions []*Session) []string {
	seen := map[string]bool{}
	var ids []string
	for _, p := range ps {
		for _, id := range p.Evict(now, sessions) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// PolicyFor builds the policy for a TTL and entry cap. Zero disables either.
func PolicyFor(ttl time.Duration, maxEntries int) EvictionPolicy {
	var ps Policies
	if ttl > 0 {
		ps = append(ps, TTLEviction{TTL: ttl})
	}
	if maxEntries > 0 {
		ps = append(ps, MaxEntriesEviction{Max: maxEntries})
	}
	if len(ps) == 0 {
		return NoEviction{}
	}
	return ps
}

// Manager creates threads and enforces the eviction policy on writes.
type Manager struct {
	store   Store
	policy  EvictionPolicy
	onEvict func(id string)
	now     func() time.Time
	mu      sync.Mutex
}

// NewManager creates a Manager. A nil policy means NoEviction.
func NewManager(store Store, policy EvictionPolicy) *Manager {
	if policy == nil {
		policy = NoEviction{}
	}
	return &Manager{store: store, policy: policy, now: time.Now}
}

// OnEvict registers a hook called for every evicted thread.
func (m *Manager) OnEvict(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Create starts a new thread.
func (m *Manager) Create(title string) (*Session, error) {
	return m.CreateWithID(uuid.New().String(), title)
}

// CreateWithID starts a new thread under a caller-chosen id.
func (m *Manager) CreateWithID(id, title string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sess := &Session{
		ID:        id,
		Title:     title,
		Status:    StatusActive,
		Events:    []Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Put(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a thread.
func (m *Manager) Get(id string) (*Session, error) {
	return m.store.Get(id)
}

// Put saves a thread, then sweeps.
func (m *Manager) Put(sess *Session) error {
	if err := m.store.Put(sess); err != nil {
		return err
	}
	_, err := m.Sweep()
	return err
}

// Delete removes a thread.
func (m *Manager) Delete(id string) error {
	return m.store.Delete(id)
}

// List returns every thread, most recently updated first.
func (m *Manager) List() ([]*Session, error) {
	sessions, err := m.store.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Sweep applies the eviction policy and returns the evicted ids.
func (m *Manager) Sweep() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policy.(NoEviction); ok {
		return nil, nil
	}
	sessions, err := m.store.List()
	if err != nil {
		return nil, err
	}
	ids := m.policy.Evict(m.now(), sessions)
	for _, id := range ids {
		if err := m.store.Delete(id); err != nil {
			return nil, fmt.Errorf("evict %s: %w", id, err)
		}
		if m.onEvict != nil {
			m.onEvict(id)
		}
	}
	return ids, nil
}

// MemoryStore keeps threads in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Put(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}
