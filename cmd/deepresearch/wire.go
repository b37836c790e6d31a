package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vinayprograms/deepresearch/internal/chat"
	"github.com/vinayprograms/deepresearch/internal/checkpoint"
	"github.com/vinayprograms/deepresearch/internal/config"
	"github.com/vinayprograms/deepresearch/internal/events"
	"github.com/vinayprograms/deepresearch/internal/llm"
	"github.com/vinayprograms/deepresearch/internal/logging"
	"github.com/vinayprograms/deepresearch/internal/prompts"
	"github.com/vinayprograms/deepresearch/internal/researcher"
	"github.com/vinayprograms/deepresearch/internal/scope"
	"github.com/vinayprograms/deepresearch/internal/search"
	"github.com/vinayprograms/deepresearch/internal/session"
	"github.com/vinayprograms/deepresearch/internal/supervisor"
	"github.com/vinayprograms/deepresearch/internal/telemetry"
	"github.com/vinayprograms/deepresearch/internal/tools"
	"github.com/vinayprograms/deepresearch/internal/workflow"
	"github.com/vinayprograms/deepresearch/internal/writer"
)

// app is the fully wired service.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	service  *chat.Service
	sessions *session.Manager
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close_failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// providerSet builds one provider per distinct model config.
type providerSet struct {
	catalog *llm.Catalog
	built   map[llm.Config]llm.Provider
}

func (ps *providerSet) get(ctx context.Context, l config.LLMConfig) (llm.Provider, error) {
	cfg, err := resolveLLM(ctx, ps.catalog, l)
	if err != nil {
		return nil, err
	}
	if p, ok := ps.built[cfg]; ok {
		return p, nil
	}
	p, err := llm.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", l.Model, err)
	}
	ps.built[cfg] = p
	return p, nil
}

// resolveLLM turns a config section into a provider config, looking the
// provider up in the catalog when the section leaves it out.
func resolveLLM(ctx context.Context, catalog *llm.Catalog, l config.LLMConfig) (llm.Config, error) {
	if l.Provider == "" {
		p, err := catalog.FindModelProvider(ctx, l.Model)
		if err != nil {
			return llm.Config{}, err
		}
		l.Provider = p
	}
	backoff, err := l.Backoff()
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		Provider:  l.Provider,
		Model:     l.Model,
		APIKey:    l.APIKey(),
		BaseURL:   l.BaseURL,
		MaxTokens: l.MaxTokens,
		Retry:     llm.RetryConfig{MaxRetries: l.MaxRetries, MaxBackoff: backoff},
	}, nil
}

// buildApp wires every component from cfg. extra receives run events in
// addition to the configured NATS subject.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, extra events.Publisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(sctx)
		})
	}

	catalog, err := prompts.NewCatalog(cfg.Prompts.Path)
	if err != nil {
		return nil, err
	}
	catalog.SetLogger(logger)
	if cfg.Prompts.Watch {
		if err := catalog.Watch(ctx); err != nil {
			return nil, err
		}
	}

	var pubs events.Multi
	if extra != nil {
		pubs = append(pubs, extra)
	}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nats.Close)
		pubs = append(pubs, nats)
	}

	models := &providerSet{catalog: llm.NewCatalog(), built: map[llm.Config]llm.Provider{}}
	clarifier, err := models.get(ctx, cfg.GetProfile(config.ProfileClarifier))
	if err != nil {
		return nil, err
	}
	lead, err := models.get(ctx, cfg.GetProfile(config.ProfileSupervisor))
	if err != nil {
		return nil, err
	}
	research, err := models.get(ctx, cfg.GetProfile(config.ProfileResearcher))
	if err != nil {
		return nil, err
	}
	compress, err := models.get(ctx, cfg.GetProfile(config.ProfileCompress))
	if err != nil {
		return nil, err
	}
	reporter, err := models.get(ctx, cfg.GetProfile(config.ProfileWriter))
	if err != nil {
		return nil, err
	}
	small, err := models.get(ctx, cfg.SmallLLM)
	if err != nil {
		return nil, err
	}

	backend, err := search.New(search.Config{
		Provider: cfg.Search.Provider,
		APIKey:   cfg.SearchAPIKey(),
		BaseURL:  cfg.Search.BaseURL,
		Timeout:  time.Duration(cfg.Search.Timeout) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	searcher := search.NewSearcher(backend, search.NewLLMSummarizer(small, catalog), search.Options{
		MaxResults:        cfg.Search.MaxResults,
		Topic:             cfg.Search.Topic,
		SearchMode:        cfg.Search.SearchMode,
		Recency:           cfg.Search.Recency,
		IncludeRawContent: cfg.Search.IncludeRawContent,
	}, logger)
	registry := tools.NewRegistry(logger, tools.NewSearchTool(searcher), tools.ThinkTool{})

	agent := researcher.New(research, compress, registry, catalog,
		researcher.WithMaxToolRounds(cfg.Research.MaxToolRounds),
		researcher.WithLogger(logger))
	sup := supervisor.New(lead, agent, catalog, supervisor.Config{
		MaxIterations:      cfg.Research.MaxIterations,
		MaxConcurrent:      cfg.Research.MaxConcurrent,
		EnforceConcurrency: cfg.Research.EnforceConcurrency,
	}, supervisor.WithLogger(logger), supervisor.WithPublisher(pubs))

	checkpoints, threads, err := openStores(cfg, a)
	if err != nil {
		return nil, err
	}
	runner := workflow.New(scope.New(clarifier, catalog), sup, writer.New(reporter, catalog),
		workflow.WithCheckpoints(checkpoints),
		workflow.WithPublisher(pubs),
		workflow.WithRecursionLimit(cfg.Research.RecursionLimit),
		workflow.WithLogger(logger))

	ttl, err := cfg.SessionTTL()
	if err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(threads, session.PolicyFor(ttl, cfg.Storage.MaxSessions))
	a.service = chat.NewService(runner, a.sessions, chat.WithPublisher(pubs), chat.WithLogger(logger))

	ok = true
	return a, nil
}

// openStores picks the checkpoint and thread stores for storage.backend.
// Checkpoints use JSON files for both durable backends.
func openStores(cfg *config.Config, a *app) (checkpoint.Store, session.Store, error) {
	if cfg.Storage.Backend == "memory" {
		return checkpoint.NewMemoryStore(), session.NewMemoryStore(), nil
	}
	root := cfg.StoragePath()
	checkpoints, err := checkpoint.NewFileStore(filepath.Join(root, "checkpoints"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Backend == "sqlite" {
		db, err := session.NewSQLiteStore(filepath.Join(root, "threads.db"))
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		return checkpoints, db, nil
	}
	threads, err := session.NewFileStore(filepath.Join(root, "threads"))
	if err != nil {
		return nil, nil, err
	}
	return checkpoints, threads, nil
}

// openThreadStore opens only the thread store, for commands that do not run research.
func openThreadStore(cfg *config.Config) (session.Store, func() error, error) {
	a := &app{}
	_, threads, err := openStores(cfg, a)
	if err != nil {
		return nil, nil, err
	}
	return threads, func() error {
		for _, c := range a.closers {
			if err := c(); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
