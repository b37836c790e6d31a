// Package main is the entry point for the deep research assistant.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/deepresearch/internal/api"
	"github.com/vinayprograms/deepresearch/internal/checkpoint"
	"github.com/vinayprograms/deepresearch/internal/config"
	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/session"
	"github.com/vinayprograms/deepresearch/internal/tui"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// shutdownGrace bounds how long in-flight requests may run after a signal.
const shutdownGrace = 30 * time.Second

func init() {
	// Load .env for API keys
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("deepresearch"),
		kong.Description("Clarify, plan and research a question, then write a cited report."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := kctx.Run(&globals{cli: &cli, ctx: ctx})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globals is bound into every command's Run.
type globals struct {
	cli *CLI
	ctx context.Context
}

func (g *globals) config() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if g.cli.Config != "" {
		cfg, err = config.LoadFile(g.cli.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if g.cli.LogLevel != "" {
		cfg.Log.Level = g.cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (g *globals) logger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	l := logging.New()
	l.SetLevel(level)
	return l, nil
}

func (g *globals) app(quiet bool, feed *tui.Feed) (*app, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return nil, err
	}
	if quiet {
		// The terminal belongs to the UI.
		logger = logging.Nop()
	}
	if feed != nil {
		return buildApp(g.ctx, cfg, logger, feed)
	}
	return buildApp(g.ctx, cfg, logger, nil)
}

func (c *InitCmd) Run(g *globals) error {
	cfg := config.New()
	if c.Model != "" {
		cfg.LLM.Model = c.Model
		cfg.LLM.Provider = c.Provider
	}
	if c.SmallModel != "" {
		cfg.SmallLLM.Model = c.SmallModel
		cfg.SmallLLM.Provider = c.Provider
	}
	cfg.Search.Provider = c.Search
	cfg.Storage.Backend = c.Storage
	if err := cfg.Save(c.Output, c.Force); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", c.Output)
	if env := config.DefaultAPIKeyEnv(cfg.Search.Provider); os.Getenv(env) == "" {
		fmt.Printf("set %s (or add it to .env) before running research\n", env)
	}
	return nil
}

func (c *ServeCmd) Run(g *globals) error {
	a, err := g.app(false, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, host := a.cfg.Server.Addr, a.cfg.Server.TailnetHostname
	if c.Addr != "" {
		addr = c.Addr
	}
	if c.Tailnet != "" {
		host = c.Tailnet
	}
	ln, release, err := api.Listen(addr, host, a.cfg.Server.TailnetStateDir)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer release()

	srv := api.NewServer(a.service, a.cfg.Server.CORSOrigins, api.WithLogger(a.logger))
	return srv.Serve(g.ctx, ln, shutdownGrace)
}

func (c *AskCmd) Run(g *globals) error {
	a, err := g.app(false, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.service.Turn(g.ctx, c.Thread, c.Message)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	if reply.IsFollowup {
		fmt.Println(reply.Response)
		fmt.Fprintf(os.Stderr, "\nanswer with: deepresearch ask --thread %s \"...\"\n", reply.ThreadID)
		return nil
	}
	if c.Pager {
		return tui.RunPager("Report", reply.Report)
	}
	fmt.Println(reply.Report)
	return nil
}

func (c *ChatCmd) Run(g *globals) error {
	feed := &tui.Feed{}
	a, err := g.app(true, feed)
	if err != nil {
		return err
	}
	defer a.Close()
	return tui.RunChat(g.ctx, a.service, c.Thread, feed)
}

func (c *ThreadsCmd) Run(g *globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "memory" {
		fmt.Println("storage.backend is memory; no threads outlive the process")
		return nil
	}
	a := &app{logger: logging.Nop()}
	checkpoints, store, err := openStores(cfg, a)
	if err != nil {
		return err
	}
	defer a.Close()

	switch {
	case c.Delete != "":
		if err := store.Delete(c.Delete); err != nil {
			return err
		}
		if err := checkpoints.Delete(c.Delete); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
			return err
		}
		fmt.Printf("deleted %s\n", c.Delete)
		return nil

	case c.Report != "":
		sess, err := store.Get(c.Report)
		if err != nil {
			return err
		}
		if sess.Report == "" {
			return fmt.Errorf("thread %s has no report yet", sess.ID)
		}
		return tui.RunPager(sess.Title, sess.Report)

	case c.Show != "":
		sess, err := store.Get(c.Show)
		if err != nil {
			return err
		}
		printThread(sess)
		return nil
	}

	list, err := session.NewManager(store, nil).List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTURNS\tUPDATED\tTITLE")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.Turns, s.UpdatedAt.Local().Format(time.DateTime), s.Title)
	}
	return w.Flush()
}

func printThread(s *session.Session) {
	fmt.Printf("%s  %s  (%s)\n", s.ID, s.Title, s.Status)
	if s.Successor != "" {
		fmt.Printf("continued on %s\n", s.Successor)
	}
	for _, ev := range s.Events {
		content := strings.ReplaceAll(ev.Content, "\n", " ")
		if len(content) > 100 {
			content = content[:97] + "..."
		}
		fmt.Printf("  %3d  %s  %-13s %s\n", ev.SeqID, ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, content)
	}
}

func (c *ModelsCmd) Run(g *globals) error {
	models, err := llm.NewCatalog().ListModels(g.ctx, c.Provider)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\t$/1M IN\t$/1M OUT")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\n", m.Provider, m.ID, m.ContextWindow, m.CostPer1MIn, m.CostPer1MOut)
	}
	return w.Flush()
}

func (c *VersionCmd) Run(g *globals) error {
	fmt.Printf("deepresearch version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
