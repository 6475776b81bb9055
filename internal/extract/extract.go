// Package extract runs the pattern extraction stage: unprocessed captures go
// through the LLM one at a time and come back as structured failure patterns.
// Each item has its own time budget; one bad trace never sinks the batch.
package extract

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/llm"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/redact"
	"github.com/evalforge/evalforge/internal/schema"
	"github.com/evalforge/evalforge/internal/traceprep"
)

// Stage name used for run and diagnostic collections.
const Stage = "extraction"

// workers bounds concurrent LLM calls per run.
const workers = 4

// excerptMax caps the persisted evidence excerpt.
const excerptMax = 500

// Store is the persistence surface extraction needs.
type Store interface {
	ListUnprocessedCaptures(ctx context.Context, limit int) ([]*model.FailureCapture, error)
	GetCapture(ctx context.Context, traceID string) (*model.FailureCapture, error)
	PutPattern(ctx context.Context, p *model.FailurePattern) error
	MarkCaptureProcessed(ctx context.Context, traceID string) error
	SaveRun(ctx context.Context, run *model.RunSummary) error
	SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error
	CountUnprocessedCaptures(ctx context.Context) (int64, error)
}

// Generator is the LLM surface extraction needs.
type Generator interface {
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt, jsonSchema string) (*llm.Result, error)
}

// Service executes extraction runs.
type Service struct {
	store     Store
	generator Generator
	redactor  *redact.Redactor
	validator *schema.Validator
	cfg       config.BatchConfig
}

// New builds the extraction service.
func New(store Store, generator Generator, redactor *redact.Redactor, cfg config.BatchConfig) *Service {
	return &Service{
		store:     store,
		generator: generator,
		redactor:  redactor,
		validator: schema.MustCompile("failure_pattern.json", schema.FailurePattern),
		cfg:       cfg,
	}
}

// Run executes one extraction pass. By default it pulls up to the configured
// batch size of unprocessed captures; options may override the batch size,
// name explicit trace ids, or request a dry run that persists nothing. Items
// run on a bounded worker pool.
func (s *Service) Run(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error) {
	log := logging.For(logging.CategoryExtract)
	run := &model.RunSummary{
		RunID:       uuid.NewString(),
		Stage:       Stage,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: opts.Trigger(),
		DryRun:      opts.DryRun,
	}

	captures, missing, err := s.pickCaptures(ctx, opts)
	if err != nil {
		return nil, err
	}
	run.Items = append(run.Items, missing...)
	run.BatchSize = len(captures) + len(missing)
	log.Info("extraction run started",
		zap.String("run_id", run.RunID),
		zap.Int("batch_size", run.BatchSize),
		zap.Bool("dry_run", opts.DryRun))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, cap := range captures {
		cap := cap
		g.Go(func() error {
			item := s.extractOne(gctx, run.RunID, cap, opts.DryRun)
			mu.Lock()
			run.Items = append(run.Items, item)
			mu.Unlock()
			log.Info("extraction decision",
				zap.String("run_id", run.RunID),
				zap.String("trace_id", cap.TraceID),
				zap.String("outcome", string(item.Outcome)),
				zap.Int64("duration_ms", item.DurationMs))
			return nil
		})
	}
	_ = g.Wait()

	run.CompletedAt = time.Now().UTC()
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.Tally()
	if !opts.DryRun {
		if err := s.store.SaveRun(ctx, run); err != nil {
			log.Error("save run summary failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	log.Info("extraction run complete",
		zap.String("run_id", run.RunID),
		zap.Int("stored", run.Counts.Stored),
		zap.Int("skipped", run.Counts.Skipped),
		zap.Int("errored", run.Counts.Errored),
		zap.Int("timed_out", run.Counts.TimedOut))
	return run, nil
}

// pickCaptures resolves the run's input set. Explicit trace ids take
// priority over the unprocessed queue; an id that cannot be loaded becomes a
// per-item error instead of aborting the run.
func (s *Service) pickCaptures(ctx context.Context, opts model.BatchOptions) ([]*model.FailureCapture, []model.ItemOutcome, error) {
	if len(opts.TraceIDs) > 0 {
		var captures []*model.FailureCapture
		var missing []model.ItemOutcome
		for _, id := range opts.TraceIDs {
			cap, err := s.store.GetCapture(ctx, id)
			if err != nil {
				missing = append(missing, model.ItemOutcome{
					SourceID: id,
					Outcome:  model.OutcomeError,
					Detail:   err.Error(),
				})
				continue
			}
			captures = append(captures, cap)
		}
		return captures, missing, nil
	}

	limit := s.cfg.ExtractionBatchSize
	if opts.BatchSize > 0 {
		limit = opts.BatchSize
	}
	captures, err := s.store.ListUnprocessedCaptures(ctx, limit)
	return captures, nil, err
}

// extractOne runs the full per-item pipeline under the item time budget. A
// dry run still calls the model and validates the output but persists
// nothing, diagnostics included.
func (s *Service) extractOne(ctx context.Context, runID string, cap *model.FailureCapture, dryRun bool) model.ItemOutcome {
	start := time.Now()
	item := model.ItemOutcome{SourceID: cap.TraceID}
	finish := func(o model.Outcome, detail string) model.ItemOutcome {
		item.Outcome = o
		item.Detail = detail
		item.DurationMs = time.Since(start).Milliseconds()
		return item
	}
	diag := func(ctx context.Context, cause error, res *llm.Result) {
		if dryRun {
			return
		}
		s.diagnose(ctx, runID, cap.TraceID, cause, res)
	}

	ictx, cancel := context.WithTimeout(ctx, s.cfg.ExtractionTimeout)
	defer cancel()

	traceText, stats, err := traceprep.Prepare(cap)
	if err != nil {
		// Captures that cannot be prepared are marked processed so they do
		// not wedge the queue; the skip reason survives in the run summary.
		if !dryRun {
			if markErr := s.store.MarkCaptureProcessed(ictx, cap.TraceID); markErr != nil {
				diag(ictx, markErr, nil)
			}
		}
		return finish(model.OutcomeSkipped, err.Error())
	}
	if stats.Truncated {
		item.Detail = "trace truncated before prompt"
	}

	system, user := buildPrompts(cap, traceText)
	res, err := s.generator.GenerateStructured(ictx, system, user, s.validator.JSON())
	if err != nil {
		if model.IsKind(err, model.KindTimeout) || ictx.Err() == context.DeadlineExceeded {
			diag(ctx, model.Wrap(model.KindTimeout, err), nil)
			return finish(model.OutcomeTimedOut, "item budget exhausted")
		}
		diag(ctx, err, nil)
		return finish(model.OutcomeError, err.Error())
	}

	if err := s.validator.Validate(res.Raw); err != nil {
		diag(ctx, err, res)
		return finish(model.OutcomeValidationFailed, err.Error())
	}

	pattern, err := s.toPattern(cap, res)
	if err != nil {
		diag(ctx, err, res)
		return finish(model.OutcomeValidationFailed, err.Error())
	}

	if dryRun {
		return finish(model.OutcomeStored, "dry run, pattern not persisted")
	}

	if err := s.store.PutPattern(ictx, pattern); err != nil {
		s.diagnose(ictx, runID, cap.TraceID, err, nil)
		return finish(model.OutcomeError, err.Error())
	}
	// Processed flips only after the pattern is durably stored. A crash in
	// between re-extracts the trace and overwrites the same document.
	if err := s.store.MarkCaptureProcessed(ictx, cap.TraceID); err != nil {
		s.diagnose(ctx, runID, cap.TraceID, err, nil)
		return finish(model.OutcomeError, err.Error())
	}
	return finish(model.OutcomeStored, "")
}

// toPattern decodes validated LLM output into a pattern document, applying
// the redaction pass the model cannot be trusted to do itself.
func (s *Service) toPattern(cap *model.FailureCapture, res *llm.Result) (*model.FailurePattern, error) {
	var p model.FailurePattern
	if err := json.Unmarshal(res.Raw, &p); err != nil {
		return nil, model.E(model.KindInvalidJSON, "decode pattern: %v", err)
	}
	p.PatternID = model.PatternIDFor(cap.TraceID)
	p.SourceTraceID = cap.TraceID
	p.ExtractedAt = time.Now().UTC()
	p.Processed = false
	p.Evidence.Excerpt = s.redactor.RedactAndTruncate(p.Evidence.Excerpt, excerptMax)
	p.Summary = s.redactor.Text(p.Summary)
	p.TriggerCondition = s.redactor.Text(p.TriggerCondition)
	return &p, nil
}

func (s *Service) diagnose(ctx context.Context, runID, sourceID string, cause error, res *llm.Result) {
	d := &model.DiagnosticError{
		RunID:    runID,
		SourceID: sourceID,
		Kind:     model.KindOf(cause),
		Message:  cause.Error(),
		At:       time.Now().UTC(),
	}
	if res != nil {
		d.ResponseHash = res.ResponseHash
		d.ResponseExcerpt = s.redactor.RedactAndTruncate(string(res.Raw), excerptMax)
	}
	if err := s.store.SaveDiagnostic(ctx, Stage, d); err != nil {
		logging.For(logging.CategoryExtract).Warn("save diagnostic failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// Health reports the extraction backlog.
func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{"stage": Stage}
	backlog, err := s.store.CountUnprocessedCaptures(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
		return out
	}
	out["status"] = "ok"
	out["backlog"] = backlog
	return out
}
