package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Rogers-F/threadline/internal/config"
	"github.com/Rogers-F/threadline/internal/engine"
	"github.com/Rogers-F/threadline/internal/errclass"
	"github.com/Rogers-F/threadline/internal/executor"
	"github.com/Rogers-F/threadline/internal/logging"
	"github.com/Rogers-F/threadline/internal/manifest"
	"github.com/Rogers-F/threadline/internal/metrics"
	"github.com/Rogers-F/threadline/internal/planner"
	"github.com/Rogers-F/threadline/internal/routing"
	"github.com/Rogers-F/threadline/internal/scoring"
	"github.com/Rogers-F/threadline/internal/store"
	"github.com/Rogers-F/threadline/internal/store/redisstore"
	"github.com/Rogers-F/threadline/internal/thread"
)

// app is the wired engine and everything it owns.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    thread.Store
	scorer   *scoring.KeywordIndex
	engine   *engine.Engine
	registry *prometheus.Registry
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	g, err := a.loadManifest()
	if err != nil {
		return err
	}

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	a.scorer, err = scoring.NewKeywordIndex(g.Domains())
	if err != nil {
		return err
	}

	// Wire executors.
	reg := executor.NewRegistry()
	for _, spec := range cfg.Executors {
		if err := reg.Register(spec); err != nil {
			return fmt.Errorf("register executor %s: %w", spec.Kind, err)
		}
	}

	var synth planner.Synthesizer
	if cfg.Synthesizer != nil {
		synth = &planner.CommandSynthesizer{Spec: *cfg.Synthesizer}
	}

	classifier, err := errclass.New(cfg.Errors)
	if err != nil {
		return err
	}
	guardrails, err := planner.NewGuardrails(cfg.Guided.MaxSteps, cfg.Guided.ProhibitedPatterns)
	if err != nil {
		return err
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.registry)
	if err != nil {
		return err
	}

	a.engine, err = engine.New(engine.Config{
		Graph:       g,
		Store:       a.store,
		Scorer:      a.scorer,
		Executor:    reg,
		Synthesizer: synth,
		Classifier:  classifier,
		Policy: engine.Policy{
			Meta:       routing.NewMetaRouter(cfg.Routing.ConfidenceThreshold, cfg.Routing.AmbiguityThreshold),
			Guardrails: guardrails,
		},
		Logger:           a.log,
		Metrics:          m,
		MaxRetries:       cfg.Retry.MaxRetries,
		Backoff:          cfg.Retry.Backoff,
		ProbeConcurrency: cfg.ProbeConcurrency,
	})
	if err != nil {
		return err
	}

	a.log.Info("engine ready",
		zap.String("manifest", cfg.ManifestPath),
		zap.Int("domains", len(g.Domains())),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("executors", reg.List()))
	return nil
}

func (a *app) loadManifest() (*manifest.Graph, error) {
	return manifest.LoadFile(a.cfg.ManifestPath, manifest.Options{StalenessDays: a.cfg.StalenessDays})
}

// reload re-reads the manifest and swaps it into the running engine. A
// manifest that fails validation leaves the current one in place.
func (a *app) reload() error {
	g, err := a.loadManifest()
	if err != nil {
		a.log.Warn("manifest reload rejected", zap.Error(err))
		return err
	}
	if err := a.scorer.Rebuild(g.Domains()); err != nil {
		return err
	}
	a.engine.Reload(g)
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.scorer != nil {
		errs = append(errs, a.scorer.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}

func openStore(ctx context.Context, c config.StoreConfig) (thread.Store, error) {
	switch c.Driver {
	case config.DriverPostgres:
		s, err := store.OpenPostgres(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverRedis:
		s, err := redisstore.Open(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, c.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return thread.NewMemoryStore(), nil
	}
	s, err := store.OpenSQLite(c.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
