// Package generate runs the artifact generation stage. One engine drives all
// three generators (eval, guardrail, runbook); the type-specific pieces are
// the prompt, the output schema, and the draft composition.
package generate

import (
	"context"
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
	"github.com/evalforge/evalforge/internal/store"
)

// workers bounds concurrent LLM calls per run.
const workers = 4

// Store is the persistence surface generation needs.
type Store interface {
	GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error)
	UpdateSuggestion(ctx context.Context, id string, mutate func(*model.Suggestion) error) (*model.Suggestion, error)
	ListPatternsByTraceIDs(ctx context.Context, traceIDs []string) ([]*model.FailurePattern, error)
	ListSuggestions(ctx context.Context, f store.SuggestionFilter) (*store.SuggestionPage, error)
	SaveRun(ctx context.Context, run *model.RunSummary) error
	SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error
	CountSuggestions(ctx context.Context, path, value string) (int64, error)
}

// Generator is the LLM surface generation needs.
type Generator interface {
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt, jsonSchema string) (*llm.Result, error)
}

// Options controls one batch run.
type Options struct {
	BatchSize      int
	DryRun         bool
	TriggeredBy    model.TriggeredBy
	SuggestionIDs  []string
	ForceOverwrite bool
}

// Service generates drafts for one suggestion type.
type Service struct {
	typ       model.SuggestionType
	store     Store
	generator Generator
	redactor  *redact.Redactor
	cfg       config.BatchConfig
	llmModel  string
	llmTemp   float64
	spec      typeSpec
}

// New builds a generator service for the given suggestion type.
func New(typ model.SuggestionType, st Store, gen Generator, redactor *redact.Redactor, batch config.BatchConfig, llmCfg config.LLMConfig) (*Service, error) {
	spec, ok := specs[typ]
	if !ok {
		return nil, model.E(model.KindConfiguration, "unknown suggestion type %q", typ)
	}
	return &Service{
		typ:       typ,
		store:     st,
		generator: gen,
		redactor:  redactor,
		cfg:       batch,
		llmModel:  llmCfg.Model,
		llmTemp:   llmCfg.Temperature,
		spec:      spec,
	}, nil
}

// Stage returns the run/diagnostic collection stem for this generator.
func (s *Service) Stage() string { return string(s.typ) }

// Type returns the suggestion type this service owns.
func (s *Service) Type() model.SuggestionType { return s.typ }

// runBudget tracks the aggregate cost ceiling for one batch. Items are
// charged when an LLM call is attempted; rate-limited calls are refunded so
// quota pressure does not eat the batch's budget.
type runBudget struct {
	mu        sync.Mutex
	remaining float64
	perItem   float64
}

func newRunBudget(cfg config.BatchConfig, batchSize int) *runBudget {
	ceiling := cfg.RunBudgetUSD
	if sized := float64(batchSize) * cfg.ItemBudgetUSD; sized < ceiling {
		ceiling = sized
	}
	return &runBudget{remaining: ceiling, perItem: cfg.ItemBudgetUSD}
}

func (b *runBudget) charge() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining < b.perItem {
		return false
	}
	b.remaining -= b.perItem
	return true
}

func (b *runBudget) refund() {
	b.mu.Lock()
	b.remaining += b.perItem
	b.mu.Unlock()
}

func (b *runBudget) left() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Run executes one batch over pending suggestions of this generator's type.
func (s *Service) Run(ctx context.Context, opts Options) (*model.RunSummary, error) {
	log := logging.For(logging.CategoryGenerate)
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.GeneratorBatchSize
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = model.TriggerManual
	}
	run := &model.RunSummary{
		RunID:       uuid.NewString(),
		Stage:       s.Stage(),
		StartedAt:   time.Now().UTC(),
		TriggeredBy: opts.TriggeredBy,
		DryRun:      opts.DryRun,
	}

	ids := opts.SuggestionIDs
	if len(ids) == 0 {
		page, err := s.store.ListSuggestions(ctx, store.SuggestionFilter{
			Type:   s.typ,
			Status: model.StatusPending,
			Limit:  opts.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		for _, sug := range page.Items {
			ids = append(ids, sug.SuggestionID)
		}
	}
	run.BatchSize = len(ids)
	budget := newRunBudget(s.cfg, len(ids))
	log.Info("generation run started",
		zap.String("run_id", run.RunID),
		zap.String("type", string(s.typ)),
		zap.Int("batch_size", len(ids)),
		zap.Float64("budget_usd", budget.left()))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			item, _, err := s.generateOne(gctx, run.RunID, id, opts.ForceOverwrite, opts.DryRun, budget)
			if err != nil && item.Outcome == "" {
				item = model.ItemOutcome{SourceID: id, Outcome: model.OutcomeError, Detail: err.Error()}
			}
			mu.Lock()
			run.Items = append(run.Items, item)
			mu.Unlock()
			log.Info("generation decision",
				zap.String("run_id", run.RunID),
				zap.String("suggestion_id", id),
				zap.String("outcome", string(item.Outcome)))
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
	log.Info("generation run complete",
		zap.String("run_id", run.RunID),
		zap.Int("stored", run.Counts.Stored),
		zap.Int("errored", run.Counts.Errored),
		zap.Int("timed_out", run.Counts.TimedOut),
		zap.Float64("budget_left_usd", budget.left()))
	return run, nil
}

// GenerateOne generates a draft for a single suggestion, for the single-item
// HTTP endpoint. The returned error carries the kind the HTTP layer maps to
// a status code.
func (s *Service) GenerateOne(ctx context.Context, id string, force bool) (*model.Suggestion, error) {
	runID := uuid.NewString()
	budget := newRunBudget(s.cfg, 1)
	item, sug, err := s.generateOne(ctx, runID, id, force, false, budget)
	if err != nil {
		return nil, err
	}
	if item.Outcome == model.OutcomeTimedOut {
		return nil, model.E(model.KindTimeout, "generation exceeded item budget")
	}
	return sug, nil
}

// generateOne is the shared per-item pipeline.
func (s *Service) generateOne(ctx context.Context, runID, id string, force, dryRun bool, budget *runBudget) (model.ItemOutcome, *model.Suggestion, error) {
	start := time.Now()
	item := model.ItemOutcome{SourceID: id}
	finish := func(o model.Outcome, detail string) model.ItemOutcome {
		item.Outcome = o
		item.Detail = detail
		item.DurationMs = time.Since(start).Milliseconds()
		return item
	}

	sug, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return finish(model.OutcomeError, err.Error()), nil, err
	}
	if sug.Type != s.typ {
		err := model.E(model.KindWrongType, "suggestion %s is %s, not %s", id, sug.Type, s.typ)
		return finish(model.OutcomeSkipped, err.Error()), nil, err
	}
	if _, source, _, ok := sug.Draft(); ok && source == model.EditHuman && !force {
		err := model.E(model.KindOverwriteBlocked, "draft on %s is human-edited; set forceOverwrite to regenerate", id)
		return finish(model.OutcomeSkipped, err.Error()), nil, err
	}

	patterns, err := s.store.ListPatternsByTraceIDs(ctx, traceIDs(sug))
	if err != nil {
		s.diagnose(ctx, runID, id, err, nil)
		return finish(model.OutcomeError, err.Error()), nil, err
	}
	canonical := canonicalPattern(patterns)

	meta := model.GeneratorMeta{
		Model:       s.llmModel,
		Temperature: s.llmTemp,
		RunID:       runID,
	}

	// Missing context or an exhausted run budget produces a deterministic
	// template the reviewer completes by hand, not an error.
	if reason := s.templateReason(canonical, budget); reason != "" {
		if dryRun {
			return finish(model.OutcomeTemplate, reason), sug, nil
		}
		updated, err := s.writeDraft(ctx, id, force, func(sug *model.Suggestion, now time.Time) error {
			s.spec.template(s, sug, reason, meta, now)
			return nil
		})
		if err != nil {
			s.diagnose(ctx, runID, id, err, nil)
			return finish(model.OutcomeError, err.Error()), nil, err
		}
		return finish(model.OutcomeTemplate, reason), updated, nil
	}

	sanitized := s.sanitizePattern(canonical)
	system, user := s.spec.prompts(sanitized, sug)

	ictx, cancel := context.WithTimeout(ctx, s.cfg.GeneratorTimeout)
	defer cancel()

	// The budget timer doubles as the cancellation flag: checked before the
	// LLM call and again before the write, so an expired item produces no
	// side-effects even if the transport ignored the deadline.
	if ictx.Err() != nil {
		s.diagnose(ctx, runID, id, model.Wrap(model.KindTimeout, ictx.Err()), nil)
		return finish(model.OutcomeTimedOut, "item budget exhausted"), nil, nil
	}
	charged := budget.charge()
	if !charged {
		reason := "run budget exhausted before generation"
		if dryRun {
			return finish(model.OutcomeTemplate, reason), sug, nil
		}
		updated, err := s.writeDraft(ctx, id, force, func(sug *model.Suggestion, now time.Time) error {
			s.spec.template(s, sug, reason, meta, now)
			return nil
		})
		if err != nil {
			return finish(model.OutcomeError, err.Error()), nil, err
		}
		return finish(model.OutcomeTemplate, reason), updated, nil
	}

	res, err := s.generator.GenerateStructured(ictx, system, user, s.spec.validator.JSON())
	if err != nil {
		if model.IsKind(err, model.KindRateLimited) {
			budget.refund()
		}
		if model.IsKind(err, model.KindTimeout) {
			s.diagnose(ctx, runID, id, err, nil)
			return finish(model.OutcomeTimedOut, "item budget exhausted"), nil, err
		}
		s.diagnose(ctx, runID, id, err, nil)
		return finish(model.OutcomeError, err.Error()), nil, err
	}
	meta.PromptHash = res.PromptHash
	meta.ResponseHash = res.ResponseHash

	if err := s.spec.validator.Validate(res.Raw); err != nil {
		s.diagnose(ctx, runID, id, err, res)
		return finish(model.OutcomeValidationFailed, err.Error()), nil, err
	}

	if ictx.Err() != nil {
		s.diagnose(ctx, runID, id, model.Wrap(model.KindTimeout, ictx.Err()), nil)
		return finish(model.OutcomeTimedOut, "item budget exhausted after generation"), nil, nil
	}
	if dryRun {
		return finish(model.OutcomeGenerated, "dry run, not persisted"), sug, nil
	}

	updated, err := s.writeDraft(ctx, id, force, func(sug *model.Suggestion, now time.Time) error {
		return s.spec.compose(s, sug, sanitized, res.Raw, meta, now)
	})
	if err != nil {
		s.diagnose(ctx, runID, id, err, res)
		return finish(model.OutcomeError, err.Error()), nil, err
	}
	return finish(model.OutcomeGenerated, ""), updated, nil
}

// writeDraft applies a draft mutation transactionally, re-checking overwrite
// protection inside the transaction: the draft may have been human-edited
// between the initial read and the write.
func (s *Service) writeDraft(ctx context.Context, id string, force bool, apply func(*model.Suggestion, time.Time) error) (*model.Suggestion, error) {
	return s.store.UpdateSuggestion(ctx, id, func(sug *model.Suggestion) error {
		if _, source, _, ok := sug.Draft(); ok && source == model.EditHuman && !force {
			return model.E(model.KindOverwriteBlocked, "draft on %s is human-edited", id)
		}
		return apply(sug, time.Now().UTC())
	})
}

// templateReason returns a non-empty reason when generation cannot proceed
// meaningfully and a template draft should be emitted instead.
func (s *Service) templateReason(canonical *model.FailurePattern, budget *runBudget) string {
	switch {
	case canonical == nil:
		return "no source pattern available for this suggestion"
	case canonical.Reproduction.InputPattern == "":
		return "canonical pattern has no reproduction input"
	case budget.left() < budget.perItem:
		return "run budget exhausted before generation"
	}
	return ""
}

// canonicalPattern picks the generation input: highest confidence, most
// recent extraction on ties.
func canonicalPattern(patterns []*model.FailurePattern) *model.FailurePattern {
	var best *model.FailurePattern
	for _, p := range patterns {
		switch {
		case best == nil:
			best = p
		case p.Confidence > best.Confidence:
			best = p
		case p.Confidence == best.Confidence && p.ExtractedAt.After(best.ExtractedAt):
			best = p
		}
	}
	return best
}

func traceIDs(sug *model.Suggestion) []string {
	out := make([]string, 0, len(sug.SourceTraces))
	for _, st := range sug.SourceTraces {
		out = append(out, st.TraceID)
	}
	return out
}

// sanitizePattern runs every pattern string the prompt or draft will carry
// through the redactor with per-field caps.
func (s *Service) sanitizePattern(p *model.FailurePattern) *model.FailurePattern {
	if p == nil {
		return nil
	}
	out := *p
	out.Title = s.redactor.RedactAndTruncate(p.Title, maxShort)
	out.TriggerCondition = s.redactor.RedactAndTruncate(p.TriggerCondition, maxMedium)
	out.Summary = s.redactor.RedactAndTruncate(p.Summary, maxMedium)
	out.RootCauseHypothesis = s.redactor.RedactAndTruncate(p.RootCauseHypothesis, maxMedium)
	out.Evidence.Excerpt = s.redactor.RedactAndTruncate(p.Evidence.Excerpt, maxShort)
	out.Evidence.Signals = s.sanitizeList(p.Evidence.Signals, maxMedium)
	out.RecommendedActions = s.sanitizeList(p.RecommendedActions, maxMedium)
	out.Reproduction.InputPattern = s.redactor.RedactAndTruncate(p.Reproduction.InputPattern, maxMedium)
	out.Reproduction.RequiredState = s.redactor.RedactAndTruncate(p.Reproduction.RequiredState, maxMedium)
	return &out
}

func (s *Service) sanitizeList(in []string, max int) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = s.redactor.RedactAndTruncate(v, max)
	}
	return out
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
		d.ResponseExcerpt = s.redactor.RedactAndTruncate(string(res.Raw), maxShort)
	}
	if err := s.store.SaveDiagnostic(ctx, s.Stage(), d); err != nil {
		logging.For(logging.CategoryGenerate).Warn("save diagnostic failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// Health reports the pending backlog for this generator's type.
func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{"stage": s.Stage()}
	pending, err := s.store.CountSuggestions(ctx, "status", string(model.StatusPending))
	if err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
		return out
	}
	out["status"] = "ok"
	out["pending_suggestions"] = pending
	return out
}
