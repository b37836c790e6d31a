package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinayprograms/deepresearch/internal/chat"
	"github.com/vinayprograms/deepresearch/internal/session"
)

type fakeChat struct {
	reply   *chat.Reply
	err     error
	threads map[string]*session.Session
	gotID   string
	gotMsg  string
}

func (f *fakeChat) Turn(ctx context.Context, threadID, message string) (*chat.Reply, error) {
	f.gotID, f.gotMsg = threadID, message
	return f.reply, f.err
}

func (f *fakeChat) Threads() ([]*session.Session, error) {
	var out []*session.Session
	for _, t := range f.threads {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeChat) Thread(id string) (*session.Session, error) {
	t, ok := f.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return t, nil
}

func (f *fakeChat) DeleteThread(id string) error {
	if _, ok := f.threads[id]; !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	delete(f.threads, id)
	return nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	return rec
}

func TestChat_Report(t *testing.T) {
	fc := &fakeChat{reply: &chat.Reply{ThreadID: "new", Response: "# R", Report: "# R"}}
	s := NewServer(fc, nil)

	rec := do(t, s, http.MethodPost, "/chat", `{"thread_id": "old", "message": "Compare pricing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["thread_id"] != "new" || got["response"] != "# R" || got["report"] != "# R" || got["is_followup"] != false {
		t.Errorf("body = %v", got)
	}
	if fc.gotID != "old" || fc.gotMsg != "Compare pricing" {
		t.Errorf("service got %q %q", fc.gotID, fc.gotMsg)
	}
}

func TestChat_FollowupOmitsReport(t *testing.T) {
	fc := &fakeChat{reply: &chat.Reply{ThreadID: "t", Response: "Which?", IsFollowup: true}}
	rec := do(t, NewServer(fc, nil), http.MethodPost, "/chat", `{"message": "Tell me about it"}`)

	var got map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if _, ok := got["report"]; ok {
		t.Errorf("report should be omitted while clarifying: %v", got)
	}
	if got["is_followup"] != true {
		t.Errorf("body = %v", got)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"missing message", `{}`, nil, http.StatusUnprocessableEntity},
		{"malformed", `{`, nil, http.StatusUnprocessableEntity},
		{"blank", `{"message": " "}`, chat.ErrEmptyMessage, http.StatusUnprocessableEntity},
		{"retired", `{"thread_id": "x", "message": "q"}`, chat.ErrThreadRetired, http.StatusConflict},
		{"internal", `{"message": "q"}`, errors.New("supervisor: model down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewServer(&fakeChat{err: tt.err}, nil), http.MethodPost, "/chat", tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var got map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["detail"] == "" {
				t.Errorf("expected detail body, got %s", rec.Body)
			}
			if tt.status == http.StatusInternalServerError && got["detail"] != tt.err.Error() {
				t.Errorf("detail = %q", got["detail"])
			}
		})
	}
}

func TestThreads(t *testing.T) {
	fc := &fakeChat{threads: map[string]*session.Session{
		"a": {ID: "a", Title: "pricing", Status: session.StatusComplete, Successor: "b"},
	}}
	s := NewServer(fc, []string{"http://localhost:3000"})

	rec := do(t, s, http.MethodGet, "/threads", "")
	var list []ThreadSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].Successor != "b" {
		t.Errorf("list = %s", rec.Body)
	}

	if rec := do(t, s, http.MethodGet, "/threads/a", ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/threads/zzz", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing thread status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/threads/a", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/threads/a", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	s := NewServer(&fakeChat{}, []string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(&fakeChat{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
