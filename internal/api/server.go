// Package api serves research conversations over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"tailscale.com/tsnet"

	"github.com/vinayprograms/deepresearch/internal/chat"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/session"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message" binding:"required"`
}

// ChatResponse is the body returned by POST /chat.
type ChatResponse = chat.Reply

// ThreadSummary is one entry of GET /threads.
type ThreadSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Turns     int       `json:"turns"`
	Successor string    `json:"successor,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is the conversation service behind the routes.
type Chat interface {
	Turn(ctx context.Context, threadID, message string) (*chat.Reply, error)
	Threads() ([]*session.Session, error)
	Thread(id string) (*session.Session, error)
	DeleteThread(id string) error
}

// Server wraps the gin engine.
type Server struct {
	Engine *gin.Engine
	chat   Chat
	logger *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l.WithComponent("api") }
}

// NewServer creates a Server with its routes registered. An empty origins
// list allows every origin.
func NewServer(c Chat, origins []string, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{Engine: gin.New(), chat: c, logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	corsCfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}

	s.Engine.Use(gin.Recovery(), s.requestLog(), cors.New(corsCfg))
	s.Engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.Engine.POST("/chat", s.handleChat)
	s.Engine.GET("/threads", s.handleListThreads)
	s.Engine.GET("/threads/:id", s.handleGetThread)
	s.Engine.DELETE("/threads/:id", s.handleDeleteThread)
	return s
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	reply, err := s.chat.Turn(c.Request.Context(), req.ThreadID, req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleListThreads(c *gin.Context) {
	threads, err := s.chat.Threads()
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]ThreadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, ThreadSummary{
			ID:        t.ID,
			Title:     t.Title,
			Status:    t.Status,
			Turns:     t.Turns,
			Successor: t.Successor,
			UpdatedAt: t.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetThread(c *gin.Context) {
	t, err := s.chat.Thread(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteThread(c *gin.Context) {
	if err := s.chat.DeleteThread(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps service errors to status codes. Anything unrecognised is a 500.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrThreadRetired):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", map[string]interface{}{"path": c.FullPath(), "error": err.Error()})
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}

// Listen opens the listener for addr, or a tailnet listener when
// hostname is set. The returned closer releases the tailnet node.
func Listen(addr, hostname, stateDir string) (net.Listener, func() error, error) {
	if hostname == "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, err
		}
		return ln, func() error { return nil }, nil
	}
	ts := &tsnet.Server{Hostname: hostname, Dir: stateDir}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = "80"
	}
	ln, err := ts.Listen("tcp", ":"+port)
	if err != nil {
		ts.Close()
		return nil, nil, err
	}
	return ln, ts.Close, nil
}

// Serve runs the server on ln until ctx is cancelled, then shuts down,
// giving in-flight requests the grace period to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	srv := &http.Server{Handler: s.Engine, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errc
	return nil
}
