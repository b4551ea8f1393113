package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sds-labs/sdsx/internal/cache"
	"github.com/sds-labs/sdsx/internal/heuristics"
	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/pipeline"
	"github.com/sds-labs/sdsx/internal/retrieval"
	"github.com/sds-labs/sdsx/internal/search"
	"github.com/sds-labs/sdsx/internal/store"
	"github.com/sds-labs/sdsx/pkg/llm"
)

// openStore picks the backend from config.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("cmd: unknown store driver %q", cfg.Store.Driver)
	}
}

// buildCompleter returns nil when no model is configured, which runs the
// pipeline in heuristics-only mode.
func buildCompleter() pipeline.Completer {
	if cfg.LLM.Model == "" {
		return nil
	}
	return llm.NewClient(cfg.LLM.APIKey, cfg.LLM.Model,
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
	)
}

func buildRetriever(st store.Store) (*retrieval.Retriever, error) {
	searcher, err := search.New(search.Config{
		Instances:       cfg.Search.Instances,
		RatePerSec:      cfg.Search.RatePerSec,
		Burst:           cfg.Search.Burst,
		MinDelay:        time.Duration(cfg.Search.MinDelayMs) * time.Millisecond,
		Language:        cfg.Search.Language,
		SearchTTL:       time.Duration(cfg.Search.SearchTTLHours) * time.Hour,
		CrawlTTL:        time.Duration(cfg.Search.CrawlTTLDays) * 24 * time.Hour,
		UnhealthyWindow: time.Duration(cfg.Search.UnhealthyWindowSecs) * time.Second,
	}, st)
	if err != nil {
		return nil, err
	}

	rc := cache.New(st, time.Duration(cfg.Cache.TTLDays)*24*time.Hour)
	return retrieval.New(st, searcher, rc, retrieval.Config{
		MaxAttempts:     cfg.Retrieval.MaxAttempts,
		BackoffBase:     time.Duration(cfg.Retrieval.BackoffMs) * time.Millisecond,
		HitsPerQuery:    cfg.Retrieval.HitsPerQuery,
		EarlyExitScore:  cfg.Retrieval.EarlyExitScore,
		CrawlBelowScore: cfg.Retrieval.CrawlBelowScore,
		MaxCrawlPages:   cfg.Retrieval.MaxCrawlPages,
		CrawlWindow:     cfg.Retrieval.CrawlWindow,
		SnippetMax:      cfg.Retrieval.SnippetMax,
		LowThreshold:    cfg.Retrieval.LowThreshold,
		CrawlEnabled:    cfg.Retrieval.CrawlEnabled,
	}), nil
}

func loadFields() (*model.FieldSet, error) {
	if cfg.Fields.File == "" {
		return model.DefaultFieldSet(), nil
	}
	return model.LoadFieldSet(cfg.Fields.File)
}

func loadUNTable() (*heuristics.UNTable, error) {
	if cfg.Fields.UNTableFile == "" {
		return heuristics.DefaultUNTable(), nil
	}
	return heuristics.LoadUNTable(cfg.Fields.UNTableFile)
}

func buildProcessor(st store.Store, online bool) (*pipeline.DocumentProcessor, error) {
	fields, err := loadFields()
	if err != nil {
		return nil, err
	}
	unTable, err := loadUNTable()
	if err != nil {
		return nil, err
	}

	var retriever pipeline.OnlineRetriever
	if online {
		r, err := buildRetriever(st)
		if err != nil {
			return nil, err
		}
		retriever = r
	}

	return pipeline.NewProcessor(st, buildCompleter(), retriever, fields, unTable, pipeline.Config{
		MaxFileBytes:         int64(cfg.Pipeline.MaxFileMB) << 20,
		SkipThreshold:        cfg.Pipeline.SkipThreshold,
		ChunkMaxChars:        cfg.Pipeline.ChunkMaxChars,
		TopK:                 cfg.Pipeline.TopK,
		ModelEarlyExit:       cfg.Pipeline.ModelEarlyExit,
		AcceptThreshold:      cfg.Pipeline.AcceptThreshold,
		OnlineStoreThreshold: cfg.Pipeline.OnlineStoreThreshold,
	}), nil
}
