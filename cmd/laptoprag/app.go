package main

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"laptoprag/internal/catalog"
	"laptoprag/internal/chunker"
	"laptoprag/internal/config"
	"laptoprag/internal/critic"
	"laptoprag/internal/domain"
	"laptoprag/internal/generator"
	"laptoprag/internal/generator/openai"
	"laptoprag/internal/index"
	"laptoprag/internal/logger"
	"laptoprag/internal/runlog"
	"laptoprag/internal/service"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.AppConfig
	log      logger.Logger
	index    *index.BM25
	gen      generator.Generator
	critic   *critic.Critic
	attempts domain.AttemptSink
	store    *runlog.SQLiteStore
}

// newApp loads the catalog, builds the index, writes the index preview and
// assembles the generator and the attempt log.
func newApp(cfg *config.AppConfig, log logger.Logger) (*app, error) {
	records, err := catalog.LoadCSV(cfg.Catalog.Path, catalog.Options{
		IDField: cfg.Catalog.IDField,
		SubsetN: *cfg.Catalog.SubsetN,
		Seed:    cfg.Catalog.Seed,
	})
	if err != nil {
		return nil, err
	}
	ch := chunker.NewFieldChunker(chunker.Options{MinTokens: cfg.Chunker.MinTokens, MaxTokens: cfg.Chunker.MaxTokens})
	chunks, err := chunker.ChunkAll(ch, records, cfg.Catalog.IDField)
	if err != nil {
		return nil, err
	}
	idxOpts := index.DefaultOptions()
	idxOpts.K1 = cfg.Retrieval.K1
	idxOpts.B = cfg.Retrieval.B
	if cfg.Retrieval.Workers > 0 {
		idxOpts.Workers = cfg.Retrieval.Workers
	}
	idx := index.New(chunks, idxOpts)
	log.Info("index built", "records", len(records), "chunks", idx.Len())

	preview := cfg.OutputPath(cfg.Output.IndexPreview)
	if err := catalog.WritePreview(preview, chunks, catalog.PreviewLimit); err != nil {
		return nil, err
	}

	gen, err := buildGenerator(cfg, log)
	if err != nil {
		return nil, err
	}

	criticLog, err := runlog.NewJSONL(cfg.OutputPath(cfg.Output.CriticLogs))
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		log:      log,
		index:    idx,
		gen:      gen,
		critic:   critic.New(critic.Options{MinTokenLen: cfg.Critic.MinTokenLen, MinHits: cfg.Critic.MinHits}),
		attempts: criticLog,
	}
	if cfg.Output.SQLitePath != "" {
		store, err := runlog.NewSQLiteStore(cfg.OutputPath(cfg.Output.SQLitePath))
		if err != nil {
			return nil, err
		}
		a.store = store
		a.attempts = runlog.Multi{Attempts: []domain.AttemptSink{criticLog, store}}
	}
	return a, nil
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// pipeline builds an orchestrator that also writes finished runs to runs.
func (a *app) pipeline(runs domain.RunSink, opts ...service.Option) *service.Pipeline {
	if a.store != nil {
		sinks := []domain.RunSink{a.store}
		if runs != nil {
			sinks = append(sinks, runs)
		}
		runs = runlog.Multi{Runs: sinks}
	}
	opts = append([]service.Option{service.WithLogger(a.log), service.WithRunSink(runs)}, opts...)
	return service.NewPipeline(a.index, a.gen, a.critic, a.attempts, service.Options{
		TopK:           a.cfg.Retrieval.TopK,
		MaxAnswerWords: a.cfg.Pipeline.MaxAnswerWords,
		MaxAttempts:    a.cfg.Pipeline.MaxAttempts,
		StrictRules:    generator.StrictRules,
	}, opts...)
}

// buildGenerator selects the generator and wraps it with the transport
// retry policy and the optional rate limit.
func buildGenerator(cfg *config.AppConfig, log logger.Logger) (generator.Generator, error) {
	var g generator.Generator
	switch cfg.Generator.Type {
	case "offline":
		g = generator.Extractive{RequireOverlap: true}
	case "openai":
		if cfg.Generator.OpenAI == nil {
			return nil, errors.New("openai generator config missing")
		}
		o := cfg.Generator.OpenAI
		client, err := openai.NewClient(openai.Config{
			BaseURL:     o.BaseURL,
			APIKeyEnv:   o.APIKeyEnv,
			Model:       o.Model,
			Temperature: o.Temperature,
			Timeout:     time.Duration(o.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("openai generator init failed: %w", err)
		}
		g = client
	default:
		return nil, fmt.Errorf("unknown generator: %s", cfg.Generator.Type)
	}
	if cfg.Generator.RatePerSec > 0 {
		burst := max(1, cfg.Generator.Burst)
		g = generator.WithRateLimit(g, rate.NewLimiter(rate.Limit(cfg.Generator.RatePerSec), burst))
	}
	r := cfg.Generator.Retry
	return generator.WithRetry(g, generator.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Backoff: generator.ExponentialBackoff(
			time.Duration(r.InitialBackoffMS)*time.Millisecond,
			time.Duration(r.MaxBackoffMS)*time.Millisecond,
		),
	}, log.With("component", "generator")), nil
}

// runJSONL opens a run log under the output directory.
func (a *app) runJSONL(name string) (*runlog.JSONL, error) {
	return runlog.NewJSONL(a.cfg.OutputPath(name))
}
