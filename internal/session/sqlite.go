package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore stores threads in SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT,
		status TEXT NOT NULL,
		turns INTEGER NOT NULL DEFAULT 0,
		report TEXT,
		successor TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS thread_events (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (thread_id, seq),
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Put upserts the thread and replaces its events.
func (s *SQLiteStore) Put(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO threads (id, title, status, turns, report, successor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			turns = excluded.turns,
			report = excluded.report,
			successor = excluded.successor,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Title, sess.Status, sess.Turns, sess.Report, sess.Successor, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM thread_events WHERE thread_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	for _, ev := range sess.Events {
		_, err := tx.Exec(`
			INSERT INTO thread_events (thread_id, seq, type, content, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ID, ev.SeqID, ev.Type, ev.Content, ev.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
	}

	return tx.Commit()
}

// Get loads a thread and its events.
func (s *SQLiteStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, title, status, turns, report, successor, created_at, updated_at
		FROM threads WHERE id = ?
	`, id)
	sess, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	if err := s.loadEvents(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*Session, error) {
	var sess Session
	var title, report, successor sql.NullString
	if err := row.Scan(&sess.ID, &title, &sess.Status, &sess.Turns, &report, &successor,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Title = title.String
	sess.Report = report.String
	sess.Successor = successor.String
	return &sess, nil
}

func (s *SQLiteStore) loadEvents(sess *Session) error {
	rows, err := s.db.Query(`
		SELECT seq, type, content, timestamp
		FROM thread_events WHERE thread_id = ? ORDER BY seq
	`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	sess.Events = []Event{}
	for rows.Next() {
		var ev Event
		var content sql.NullString
		if err := rows.Scan(&ev.SeqID, &ev.Type, &content, &ev.Timestamp); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Content = content.String
		sess.Events = append(sess.Events, ev)
	}
	return rows.Err()
}

// Delete removes a thread and its events.
func (s *SQLiteStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM thread_events WHERE thread_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM threads WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns every thread with its events.
func (s *SQLiteStore) List() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, title, status, turns, report, successor, created_at, updated_at
		FROM threads
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	var out []*Session
	for rows.Next() {
		sess, err := scanThread(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, sess := range out {
		if err := s.loadEvents(sess); err != nil {
			return nil, err
		}
	}
	return out, nil
}
