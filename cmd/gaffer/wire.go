package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/mohammad-safakhou/gaffer/config"
	"github.com/mohammad-safakhou/gaffer/fpl"
	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
	agenttele "github.com/mohammad-safakhou/gaffer/internal/agent/telemetry"
	"github.com/mohammad-safakhou/gaffer/internal/executor"
	"github.com/mohammad-safakhou/gaffer/internal/runtime"
	"github.com/mohammad-safakhou/gaffer/internal/server"
	"github.com/mohammad-safakhou/gaffer/internal/store"
	"github.com/mohammad-safakhou/gaffer/session"
	"github.com/mohammad-safakhou/gaffer/session/inmemory"
	sessionredis "github.com/mohammad-safakhou/gaffer/session/redis"
	"github.com/mohammad-safakhou/gaffer/tools/catalog"
	"github.com/mohammad-safakhou/gaffer/tools/web_search"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app is the fully wired process. close releases everything it opened.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	telemetry *runtime.Telemetry
	orch      *core.Orchestrator
	requests  *store.Store
	closers   []func(context.Context) error
}

func newLogger(cfg config.GeneralConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.telemetry, err = runtime.SetupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	tel := agenttele.NewTelemetry(cfg.Telemetry.Enabled, a.telemetry.Meter, logger)

	sessions, locker, err := a.sessionStore(ctx)
	if err != nil {
		return nil, err
	}

	fplClient := fpl.NewClient(cfg.FPL.BaseURL,
		fpl.WithHTTPClient(&http.Client{Timeout: cfg.FPL.Timeout}),
		fpl.WithRetries(cfg.FPL.Retries, 0),
	)
	data := fpl.NewDataManager(fplClient, cfg.FPL.BootstrapTTL, logger.WithField("component", "fpl"))
	contextSource := fpl.NewContextSource(data, cfg.FPL.Managers, cfg.FPL.DefaultManagerID)

	var news web_search.WebSearcher
	if cfg.News.Provider != "" {
		opts := []web_search.Option{web_search.WithSearchDepth(cfg.News.SearchDepth)}
		if cfg.News.BaseURL != "" {
			opts = append(opts, web_search.WithBaseURL(cfg.News.BaseURL))
		}
		news, err = web_search.NewWebSearcher(web_search.Provider(cfg.News.Provider), cfg.News.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("news search: %w", err)
		}
	}
	registry, err := catalog.NewRegistry(data, news, catalog.Config{
		NewsResults:     cfg.News.MaxResults,
		NewsRecencyDays: cfg.News.RecencyDays,
		NewsSites:       cfg.News.Sites,
		PositionLimit:   cfg.FPL.PositionLimit,
	})
	if err != nil {
		return nil, err
	}
	tools := executor.New(registry,
		executor.WithLogger(logger.WithField("component", "executor")),
		executor.WithObserver(tel.ToolObserver()),
		executor.WithConcurrency(cfg.Agent.MaxConcurrentTools),
		executor.WithCallTimeout(cfg.Agent.ToolTimeout),
	)

	llm, err := core.NewOpenAIProvider(core.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
	}, tel)
	if err != nil {
		return nil, err
	}

	deps := core.Dependencies{
		Sessions:  sessions,
		Locker:    locker,
		Context:   core.NewContextLoader(contextSource, logger.WithField("component", "context")),
		Analyzer:  core.NewAnalyzer(llm, registry, stageModel(cfg.LLM.Analysis), cfg.LLM.HistoryWindow, logger.WithField("component", "analysis")),
		Tools:     tools,
		Generator: core.NewGenerator(llm, stageModel(cfg.LLM.Generation), cfg.LLM.HistoryWindow, cfg.LLM.MaxReplyRunes),
		Validator: core.NewValidator(llm, stageModel(cfg.LLM.Validation)),
		Telemetry: tel,
		Logger:    logger.WithField("component", "orchestrator"),
		Model:     cfg.LLM.Generation.Name,
	}

	if cfg.Storage.Postgres.Enabled() {
		dsn, err := cfg.Storage.Postgres.DSN()
		if err != nil {
			return nil, err
		}
		a.requests, err = store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("request log: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.requests.Close() })
		deps.Recorder = a.requests
	}

	a.orch, err = core.NewOrchestrator(deps,
		core.WithMaxRetries(cfg.Agent.MaxRetries),
		core.WithTurnTimeout(cfg.General.TurnTimeout),
		core.WithHistoryLimit(cfg.Agent.HistoryLimit),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) sessionStore(ctx context.Context) (session.Store, session.Locker, error) {
	sc := a.cfg.Session
	switch session.StoreType(sc.Store) {
	case session.RedisStore:
		rc := a.cfg.Storage.Redis
		client := goredis.NewClient(&goredis.Options{
			Addr:        rc.Addr(),
			Password:    rc.Password,
			DB:          rc.DB,
			DialTimeout: rc.Timeout,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		st := sessionredis.New(client, sc.TTL, sc.LockTimeout, sessionredis.WithPrefix(sc.Prefix), sessionredis.WithLockTTL(sc.LockTTL))
		if err := st.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("redis connection failed (%s): %w", rc.Addr(), err)
		}
		return st, st, nil
	default:
		st := inmemory.NewInMemorySessionStore(sc.TTL, sc.LockTimeout)
		return st, st, nil
	}
}

func (a *app) serverOptions() server.Options {
	opts := server.Options{
		Runner:    a.orch,
		Gatherer:  a.telemetry.Registry,
		Logger:    a.logger.WithField("component", "http"),
		BodyLimit: a.cfg.Server.BodyLimit,
	}
	if a.requests != nil {
		opts.Stats = a.requests
	}
	if wa := a.cfg.WhatsApp; wa.Enabled {
		opts.WhatsApp = &server.WhatsApp{
			VerifyToken: wa.VerifyToken,
			AppSecret:   wa.AppSecret,
			TurnTimeout: wa.TurnTimeout,
			Sender: server.CloudSender{
				BaseURL:       wa.APIBaseURL,
				PhoneNumberID: wa.PhoneNumberID,
				AccessToken:   wa.AccessToken,
			},
		}
	}
	return opts
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WithError(err).Warn("shutdown")
		}
	}
	a.closers = nil
}

func stageModel(m config.LLMModel) core.StageModel {
	return core.StageModel{Model: m.Name, Temperature: float32(m.Temperature), MaxTokens: m.MaxTokens}
}
