package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JSONL record types. A thread file is a header line, one line per
// event, and a footer carrying the mutable fields.
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer"
)

// JSONLRecord is one line of a thread file.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Event
	*Event `json:",omitempty"`

	// Footer
	Status    string    `json:"status,omitempty"`
	Turns     int       `json:"turns,omitempty"`
	Report    string    `json:"report,omitempty"`
	Successor string    `json:"successor,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FileStore writes each thread to <dir>/<id>.jsonl.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Put rewrites the thread file.
func (s *FileStore) Put(sess *Session) error {
	if err := validID(sess.ID); err != nil {
		return err
	}

	var buf bytes.Buffer
	records := make([]JSONLRecord, 0, len(sess.Events)+2)
	records = append(records, JSONLRecord{
		RecordType: RecordTypeHeader,
		ID:         sess.ID,
		Title:      sess.Title,
		CreatedAt:  sess.CreatedAt,
	})
	for i := range sess.Events {
		evt := sess.Events[i]
		records = append(records, JSONLRecord{RecordType: RecordTypeEvent, Event: &evt})
	}
	records = append(records, JSONLRecord{
		RecordType: RecordTypeFooter,
		Status:     sess.Status,
		Turns:      sess.Turns,
		Report:     sess.Report,
		Successor:  sess.Successor,
		UpdatedAt:  sess.UpdatedAt,
	})
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return os.Rename(tmp, s.path(sess.ID))
}

// Get reads a thread file.
func (s *FileStore) Get(id string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(s.path(id), id)
}

func (s *FileStore) load(path, id string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	defer f.Close()

	sess := &Session{Events: []Event{}}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if perr := parseJSONLLine(bytes.TrimSpace(line), sess); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
	}
	return sess, nil
}

func parseJSONLLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.Title = record.Title
		sess.CreatedAt = record.CreatedAt
	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.Turns = record.Turns
		sess.Report = record.Report
		sess.Successor = record.Successor
		sess.UpdatedAt = record.UpdatedAt
	}
	return nil
}

// Delete removes a thread file.
func (s *FileStore) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List loads every thread file. Unreadable files are skipped.
func (s *FileStore) List() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".jsonl")
		sess, err := s.load(filepath.Join(s.dir, entry.Name()), id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid thread id %q", id)
	}
	return nil
}
