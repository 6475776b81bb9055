package main

import (
	"context"
	"fmt"

	"github.com/evalforge/evalforge/internal/approval"
	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/dashboard"
	"github.com/evalforge/evalforge/internal/dedup"
	"github.com/evalforge/evalforge/internal/embedding"
	"github.com/evalforge/evalforge/internal/extract"
	"github.com/evalforge/evalforge/internal/generate"
	"github.com/evalforge/evalforge/internal/httpapi"
	"github.com/evalforge/evalforge/internal/ingest"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/provider"
	"github.com/evalforge/evalforge/internal/redact"
	"github.com/evalforge/evalforge/internal/store"
)

// app holds every wired service for one process.
type app struct {
	cfg        *config.Config
	store      *store.Store
	provider   *provider.Client
	ingest     *ingest.Service
	extract    *extract.Service
	dedup      *dedup.Service
	generators map[model.SuggestionType]*generate.Service
	approval   *approval.Service
	dashboard  *dashboard.Publisher
}

// buildApp loads configuration and wires the full pipeline.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.Firestore)
	if err != nil {
		return nil, fmt.Errorf("connect firestore: %w", err)
	}

	redactor := redact.New(cfg.Redaction.Salt)
	prov := provider.New(cfg.Provider)
	llmClient := llm.New(cfg.LLM)

	engine, err := embedding.NewGenAIEngine(cfg.LLM.APIKey, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("build embedding engine: %w", err)
	}
	embedder := embedding.NewClient(engine)

	a := &app{
		cfg:        cfg,
		store:      st,
		provider:   prov,
		ingest:     ingest.New(st, prov, redactor, cfg.Batch),
		extract:    extract.New(st, llmClient, redactor, cfg.Batch),
		dedup:      dedup.New(st, embedder, cfg.Batch),
		generators: make(map[model.SuggestionType]*generate.Service),
		approval:   approval.New(st, notify.New(cfg.Approval.WebhookURL)),
		dashboard:  dashboard.New(st, prov),
	}
	for _, typ := range []model.SuggestionType{model.TypeEval, model.TypeGuardrail, model.TypeRunbook} {
		gen, err := generate.New(typ, st, llmClient, redactor, cfg.Batch, cfg.LLM)
		if err != nil {
			return nil, err
		}
		a.generators[typ] = gen
	}
	return a, nil
}

// httpServer mounts the wired services on the HTTP surface.
func (a *app) httpServer() *httpapi.Server {
	gens := make(map[model.SuggestionType]httpapi.Generator, len(a.generators))
	for typ, gen := range a.generators {
		gens[typ] = gen
	}
	return httpapi.New(httpapi.Options{
		APIKey:     a.cfg.Approval.APIKey,
		Version:    a.cfg.Version,
		ConfigInfo: a.cfg.Describe(),
		Ingestion:  a.ingest,
		Extraction: a.extract,
		Dedup:      a.dedup,
		Generators: gens,
		Review:     a.approval,
		Runs:       a.store,
	})
}

func (a *app) close() error {
	return a.store.Close()
}
