// Package chat drives research conversations turn by turn and manages the
// thread lifecycle around the workflow.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vinayprograms/deepresearch/internal/events"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/session"
	"github.com/vinayprograms/deepresearch/internal/workflow"
)

var (
	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrThreadRetired is returned for messages sent to a thread that already produced its report.
	ErrThreadRetired = errors.New("thread is retired")
)

// Invoker runs one workflow turn.
type Invoker interface {
	Invoke(ctx context.Context, threadID, message string) (*workflow.Result, error)
	Forget(threadID string) error
}

// Reply is the outcome of a turn as seen by a client.
type Reply struct {
	ThreadID   string `json:"thread_id"`
	Response   string `json:"response"`
	Report     string `json:"report,omitempty"`
	IsFollowup bool   `json:"is_followup"`
}

// Service runs turns and keeps thread records.
type Service struct {
	runner    Invoker
	sessions  *session.Manager
	publisher events.Publisher
	logger    *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the publisher for thread lifecycle events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l.WithComponent("chat") }
}

// NewService creates a Service. Evicted threads lose their checkpoints too.
func NewService(runner Invoker, sessions *session.Manager, opts ...Option) *Service {
	s := &Service{
		runner:    runner,
		sessions:  sessions,
		publisher: events.Nop{},
		logger:    logging.Nop(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	sessions.OnEvict(func(id string) {
		if err := runner.Forget(id); err != nil {
			s.logger.Warn("checkpoint_evict_failed", map[string]interface{}{"thread": id, "error": err.Error()})
		}
		s.mu.Lock()
		delete(s.locks, id)
		s.mu.Unlock()
	})
	return s
}

func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Turn sends message on threadID, starting a new thread when threadID is
// empty or unknown. A turn that ends in a report retires the thread and
// the reply carries a fresh thread id.
func (s *Service) Turn(ctx context.Context, threadID, message string) (*Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	if threadID != "" {
		unlock := s.lock(threadID)
		defer unlock()
	}
	sess, err := s.open(threadID, message)
	if err != nil {
		return nil, err
	}

	sess.Turns++
	sess.AddEvent(session.EventUser, message)

	res, err := s.runner.Invoke(ctx, sess.ID, message)
	if err != nil {
		sess.AddEvent(session.EventError, err.Error())
		if perr := s.sessions.Put(sess); perr != nil {
			s.logger.Warn("session_save_failed", map[string]interface{}{"thread": sess.ID, "error": perr.Error()})
		}
		return nil, err
	}

	if res.NeedsClarification || res.Report == "" {
		sess.Status = session.StatusAwaiting
		sess.AddEvent(session.EventClarification, res.Reply)
		if err := s.sessions.Put(sess); err != nil {
			return nil, err
		}
		return &Reply{ThreadID: sess.ID, Response: res.Reply, IsFollowup: true}, nil
	}

	next, err := s.retire(ctx, sess, res.Report)
	if err != nil {
		return nil, err
	}
	return &Reply{ThreadID: next.ID, Response: res.Report, Report: res.Report, IsFollowup: false}, nil
}

func (s *Service) open(threadID, message string) (*session.Session, error) {
	if threadID == "" {
		return s.sessions.Create(title(message))
	}
	sess, err := s.sessions.Get(threadID)
	if errors.Is(err, session.ErrNotFound) {
		return s.sessions.CreateWithID(threadID, title(message))
	}
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusComplete {
		return nil, fmt.Errorf("%w: continue on %s", ErrThreadRetired, sess.Successor)
	}
	return sess, nil
}

// retire closes sess with its report, drops its checkpoint and opens the successor thread.
func (s *Service) retire(ctx context.Context, sess *session.Session, report string) (*session.Session, error) {
	next, err := s.sessions.Create("")
	if err != nil {
		return nil, err
	}

	sess.Status = session.StatusComplete
	sess.Report = report
	sess.Successor = next.ID
	sess.AddEvent(session.EventReport, report)
	sess.AddEvent(session.EventRetired, next.ID)
	if err := s.sessions.Put(sess); err != nil {
		return nil, err
	}
	if err := s.runner.Forget(sess.ID); err != nil {
		s.logger.Warn("checkpoint_delete_failed", map[string]interface{}{"thread": sess.ID, "error": err.Error()})
	}

	s.logger.ThreadRetired(sess.ID, next.ID)
	_ = events.Emit(events.WithThread(ctx, sess.ID), s.publisher, events.ThreadRetired, map[string]interface{}{
		"successor": next.ID,
	})
	return next, nil
}

// Threads lists known threads, most recent first.
func (s *Service) Threads() ([]*session.Session, error) {
	return s.sessions.List()
}

// Thread returns one thread record.
func (s *Service) Thread(id string) (*session.Session, error) {
	return s.sessions.Get(id)
}

// DeleteThread removes a thread record and its checkpoint.
func (s *Service) DeleteThread(id string) error {
	if _, err := s.sessions.Get(id); err != nil {
		return err
	}
	if err := s.runner.Forget(id); err != nil {
		return err
	}
	return s.sessions.Delete(id)
}

func title(message string) string {
	const max = 80
	message = strings.Join(strings.Fields(message), " ")
	if len(message) <= max {
		return message
	}
	return message[:max-3] + "..."
}
