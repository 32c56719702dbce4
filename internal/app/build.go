package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/httpapi"
	"github.com/ent0n29/elderwatch/internal/ingest"
	"github.com/ent0n29/elderwatch/internal/observability"
	"github.com/ent0n29/elderwatch/internal/policy"
	"github.com/ent0n29/elderwatch/internal/reliability"
	"github.com/ent0n29/elderwatch/internal/sentiment"
	"github.com/ent0n29/elderwatch/internal/store"
)

type AnalyzerInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Repository  *store.Repository
	Ingest      *ingest.Service
	Metrics     *observability.Metrics
	Analyzer    AnalyzerInfo
	StoreDriver string
	Source      string

	// Cleanup should be called on shutdown to release the store connection.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	storeOpts := store.Options{
		Driver:        cfg.StoreDriver,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		RedisURL:      cfg.RedisURL,
	}
	backing, err := store.NewStore(ctx, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = backing.Close()
		return nil, err
	}

	setup, err := resolveAnalyzer(cfg, metrics)
	if err != nil {
		return fail(err)
	}
	scorer, err := sentiment.NewScorer(setup.analyzer, cfg.ScoringWorkers)
	if err != nil {
		return fail(err)
	}
	speakerPolicy, err := ingest.ParseSpeakerPolicy(cfg.UnresolvedSpeakers)
	if err != nil {
		return fail(err)
	}

	profile := config.DefaultProfile(cfg.IngestSpeakers)
	if cfg.IngestProfilePath != "" {
		profile, err = config.LoadProfile(cfg.IngestProfilePath)
		if err != nil {
			return fail(err)
		}
		if len(profile.Speakers) == 0 {
			profile.Speakers = cfg.IngestSpeakers
		}
	}
	source, err := ingest.SourceFromProfile(profile, cfg)
	if err != nil {
		return fail(err)
	}

	assembler := ingest.NewAssembler(scorer, policy.NewFlagPolicy(cfg.FlagThreshold))
	assembler.Redact = cfg.RedactPII

	repo := store.NewRepository(backing)
	svc := ingest.NewService(repo, assembler, ingest.ServiceConfig{
		SpeakerPolicy: speakerPolicy,
		LinkRetry: reliability.Policy{
			Attempts: cfg.LinkRetryAttempts,
			Base:     cfg.LinkRetryBase,
			Cap:      cfg.LinkRetryCap,
		},
		DefaultSource:   source,
		DefaultSpeakers: profile.Speakers,
		DefaultAnchor:   profile.Anchor,
	}, ingest.NewBus(), metrics, logger)

	api := httpapi.New(cfg, repo, svc, metrics, logger)

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Repository:  repo,
		Ingest:      svc,
		Metrics:     metrics,
		Analyzer:    AnalyzerInfo{Provider: setup.provider, Detail: setup.detail},
		StoreDriver: storeOpts.ResolveDriver(),
		Source:      source.Name(),
		Cleanup:     backing.Close,
	}, nil
}
