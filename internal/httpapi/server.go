// Package httpapi exposes the pipeline over HTTP: health, batch triggers,
// single-item generation, and the suggestion review surface. Mutating routes
// require the approval API key.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/generate"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/store"
)

// Stage is a batch pipeline stage reachable from a run-once trigger.
type Stage interface {
	Run(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error)
	Health(ctx context.Context) map[string]any
}

// Generator is one typed artifact generator.
type Generator interface {
	Run(ctx context.Context, opts generate.Options) (*model.RunSummary, error)
	GenerateOne(ctx context.Context, id string, force bool) (*model.Suggestion, error)
	Health(ctx context.Context) map[string]any
}

// Runs reads persisted batch run summaries.
type Runs interface {
	GetRun(ctx context.Context, stage, runID string) (*model.RunSummary, error)
	LatestRun(ctx context.Context, stage string) (*model.RunSummary, error)
}

// Reviewer is the approval surface.
type Reviewer interface {
	Get(ctx context.Context, id string) (*model.Suggestion, error)
	List(ctx context.Context, f store.SuggestionFilter) (*store.SuggestionPage, error)
	Approve(ctx context.Context, id, actor, notes string) (*model.Suggestion, error)
	Reject(ctx context.Context, id, actor, reason string) (*model.Suggestion, error)
	Export(ctx context.Context, id, format, actor string) (*model.ExportRecord, error)
	Health(ctx context.Context) map[string]any
}

// Server carries the wired services and their router.
type Server struct {
	apiKey     string
	version    string
	configInfo map[string]any

	stages     map[string]Stage
	generators map[model.SuggestionType]Generator
	review     Reviewer
	runs       Runs

	router chi.Router
}

// Options wires a Server.
type Options struct {
	APIKey     string
	Version    string
	ConfigInfo map[string]any
	Ingestion  Stage
	Extraction Stage
	Dedup      Stage
	Generators map[model.SuggestionType]Generator
	Review     Reviewer
	Runs       Runs
}

// New builds the server and mounts all routes.
func New(opts Options) *Server {
	s := &Server{
		apiKey:     opts.APIKey,
		version:    opts.Version,
		configInfo: opts.ConfigInfo,
		stages: map[string]Stage{
			"ingestion":  opts.Ingestion,
			"extraction": opts.Extraction,
			"dedup":      opts.Dedup,
		},
		generators: opts.Generators,
		review:     opts.Review,
		runs:       opts.Runs,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	for name := range s.stages {
		name := name
		r.With(s.requireKey).Post("/"+name+"/run-once", s.handleStageRun(name))
	}

	if s.runs != nil {
		for _, stage := range []string{"ingestion", "extraction", "dedup", "eval", "guardrail", "runbook"} {
			stage := stage
			r.Get("/"+stage+"/runs/latest", s.handleLatestRun(stage))
			r.Get("/"+stage+"/runs/{runID}", s.handleGetRun(stage))
		}
	}

	r.Route("/generate", func(r chi.Router) {
		r.Use(s.requireKey)
		r.Post("/{type}/run-once", s.handleGenerateRun)
	})
	r.With(s.requireKey).Post("/{type}/generate/{suggestionID}", s.handleGenerateOne)

	r.Route("/suggestions", func(r chi.Router) {
		r.Get("/", s.handleListSuggestions)
		r.Get("/{id}", s.handleGetSuggestion)
		r.With(s.requireKey).Post("/{id}/approve", s.handleApprove)
		r.With(s.requireKey).Post("/{id}/reject", s.handleReject)
		r.With(s.requireKey).Get("/{id}/export", s.handleExport)
	})

	s.router = r
	return s
}

// Router returns the mounted handler.
func (s *Server) Router() http.Handler { return s.router }

// requireKey guards mutating routes. Comparison is constant time so the key
// cannot be probed byte by byte.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, model.KindConfiguration, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.For(logging.CategoryHTTP).Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// statusFor maps an error kind to an HTTP status. Unclassified errors are
// internal failures.
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindOverwriteBlocked, model.KindInvalidTransition:
		return http.StatusConflict
	case model.KindWrongType, model.KindConfiguration:
		return http.StatusBadRequest
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindInvalidJSON, model.KindSchemaValidation, model.KindModelError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.For(logging.CategoryHTTP).Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, kind model.ErrorKind, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
		"kind":  string(kind),
	})
}

func writeKindError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeError(w, statusFor(kind), kind, err.Error())
}
