// Package events publishes workflow progress events.
//
// Events are fire-and-forget. A failed publish is logged by the caller
// and never affects the research run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Kind identifies an event type.
type Kind struct{ key string }

// String returns the wire name of the kind.
func (k Kind) String() string { return k.key }

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) { return json.Marshal(k.key) }

var (
	NodeStarted         = Kind{"node_started"}
	NodeCompleted       = Kind{"node_completed"}
	SupervisorRound     = Kind{"supervisor_round"}
	SupervisorFinished  = Kind{"supervisor_finished"}
	SubAgentStarted     = Kind{"subagent_started"}
	SubAgentCompleted   = Kind{"subagent_completed"}
	ClarificationNeeded = Kind{"clarification_needed"}
	ReportReady         = Kind{"report_ready"}
	ThreadRetired       = Kind{"thread_retired"}
)

// Event is one progress notification.
type Event struct {
	Kind     Kind                   `json:"kind"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Time     time.Time              `json:"time"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type threadKey struct{}

// WithThread tags ctx with the thread whose work it carries.
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadFrom returns the thread tagged on ctx, or "".
func ThreadFrom(ctx context.Context) string {
	id, _ := ctx.Value(threadKey{}).(string)
	return id
}

// Emit publishes an event of kind for the thread on ctx. A nil publisher is a no-op.
func Emit(ctx context.Context, p Publisher, kind Kind, data map[string]interface{}) error {
	if p == nil {
		return nil
	}
	return p.Publish(ctx, Event{
		Kind:     kind,
		ThreadID: ThreadFrom(ctx),
		Time:     time.Now().UTC(),
		Data:     data,
	})
}

// NATSPublisher publishes events as JSON to "<prefix>.<thread>.<kind>",
// or "<prefix>.<kind>" for events outside a thread.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("deepresearch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	if ev.ThreadID == "" {
		return p.prefix + "." + ev.Kind.key
	}
	return p.prefix + "." + ev.ThreadID + "." + ev.Kind.key
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(ev), data)
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Recorder keeps published events in memory. It also serves as a fan-in
// point for local listeners such as the terminal UI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify func(Event)
}

// NewRecorder creates a Recorder. notify, if set, is called for every event.
func NewRecorder(notify func(Event)) *Recorder {
	return &Recorder{notify: notify}
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify(ev)
	}
	return nil
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
