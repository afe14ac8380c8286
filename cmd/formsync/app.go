package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"formsync/internal/browser"
	"formsync/internal/config"
	"formsync/internal/discovery"
	"formsync/internal/fill"
	"formsync/internal/llm"
	"formsync/internal/mangle"
	"formsync/internal/mapping"
	"formsync/internal/recorder"
	"formsync/internal/store"
	"formsync/internal/structcache"
	"formsync/internal/supervisor"
)

// app is everything one process needs to serve runs. Close releases it.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	cache      *structcache.Cache
	store      *store.Store
	engine     *mangle.Engine
	traces     *recorder.Recorder
	browser    *browser.Manager
	supervisor *supervisor.Supervisor
}

func openCache(cfg config.Config, logger *zap.Logger) (*structcache.Cache, error) {
	return structcache.New(cfg.Cache.Dir, cfg.Target.DefaultProgram,
		cfg.Cache.GetFieldsTTL(), cfg.Cache.GetLocationsTTL(),
		structcache.WithLogger(logger))
}

func newResolver(ctx context.Context, cfg config.Config, exact mapping.ExactSource, logger *zap.Logger) (*mapping.Resolver, error) {
	opts := []mapping.Option{mapping.WithExactSource(exact), mapping.WithLogger(logger)}
	suggester, err := llm.New(ctx, cfg.LLM, logger)
	switch {
	case err == nil:
		opts = append(opts, mapping.WithSuggester(suggester))
	case errors.Is(err, llm.ErrDisabled):
		logger.Debug("LLM suggester off", zap.Error(err))
	default:
		return nil, fmt.Errorf("llm suggester: %w", err)
	}
	return mapping.New(cfg.Mapping, opts...), nil
}

// openApp builds the pipeline. With session false no browser is started
// and only cache-only operations (Plan, Cache) may be used.
func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger, session bool) (_ *app, err error) {
	rt := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	if rt.cache, err = openCache(cfg, logger); err != nil {
		return nil, err
	}
	if rt.store, err = store.Open(cfg.Store.Path, logger); err != nil {
		return nil, err
	}
	if rt.engine, err = mangle.NewEngine(cfg.Mangle, logger); err != nil {
		return nil, fmt.Errorf("fact engine: %w", err)
	}
	if rt.traces, err = recorder.New(cfg.Server.TraceDir, recorder.DefaultKeep); err != nil {
		return nil, fmt.Errorf("trace dir: %w", err)
	}
	resolver, err := newResolver(ctx, cfg, rt.store.Mappings, logger)
	if err != nil {
		return nil, err
	}

	defaults := supervisor.Defaults{
		Program:  cfg.Target.DefaultProgram,
		Location: cfg.Target.DefaultLocation,
		Period:   cfg.Target.DefaultPeriod,
	}
	opts := []supervisor.Option{
		supervisor.WithFingerprintCheck(cfg.Cache.VerifyFingerprint),
		supervisor.WithMappingSaver(rt.store.Mappings),
		supervisor.WithAuditor(rt.store.Audit),
		supervisor.WithFacts(rt.engine),
		supervisor.WithTracer(rt.traces),
		supervisor.WithLogger(logger),
	}

	if !session {
		rt.supervisor = supervisor.New(rt.cache, nil, nil, resolver, defaults, opts...)
		return rt, nil
	}

	rt.browser = browser.NewManager(cfg.Browser, logger)
	if err = rt.browser.Start(ctx); err != nil {
		return nil, err
	}
	page, err := rt.browser.Primary(ctx)
	if err != nil {
		return nil, err
	}
	attempts, backoff := cfg.Browser.Attempts(), cfg.Browser.Backoff()
	auto := browser.WithRetry(page, attempts, backoff, logger)

	filler := fill.New(auto, cfg.Target, cfg.Browser, cfg.Fill,
		fill.WithInvalidator(rt.cache),
		fill.WithTracer(rt.traces),
		fill.WithLogger(logger))
	disc := discovery.New(auto, cfg.Target, cfg.Discovery,
		discovery.WithPageFactory(browser.FactoryWithRetry(rt.browser, attempts, backoff, logger), filler.ReplayForm),
		discovery.WithElementTimeout(cfg.Browser.ElementTimeout()),
		discovery.WithLogger(logger))

	rt.supervisor = supervisor.New(rt.cache, disc, filler, resolver, defaults, opts...)
	return rt, nil
}

func (rt *app) Close(ctx context.Context) {
	if rt.browser != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := rt.browser.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("Browser shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if rt.traces != nil {
		_ = rt.traces.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("Store close failed", zap.Error(err))
		}
	}
}
