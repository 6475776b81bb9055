// Package dedup runs the deduplication stage: each unprocessed pattern is
// embedded and matched against existing suggestions. Close matches merge
// into the existing suggestion's lineage; everything else becomes a new
// pending suggestion.
//
// The stage runs single-threaded on purpose. The candidate set grows as the
// run creates suggestions, and two workers racing on near-identical patterns
// would create duplicates the whole stage exists to prevent.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/similarity"
	"github.com/evalforge/evalforge/internal/store"
)

// Stage name used for run and diagnostic collections.
const Stage = "dedup"

// Store is the persistence surface dedup needs.
type Store interface {
	ListUnprocessedPatterns(ctx context.Context, limit int) ([]*model.FailurePattern, error)
	ListCandidateEmbeddings(ctx context.Context) ([]store.CandidateEmbedding, error)
	MergeTraceIntoSuggestion(ctx context.Context, id string, trace model.SourceTrace, severity model.Severity) (bool, error)
	CreateSuggestion(ctx context.Context, sug *model.Suggestion) error
	MarkPatternProcessed(ctx context.Context, traceID string) error
	SaveRun(ctx context.Context, run *model.RunSummary) error
	SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error
	CountUnprocessedPatterns(ctx context.Context) (int64, error)
}

// Embedder is the embedding surface dedup needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Service executes dedup runs.
type Service struct {
	store    Store
	embedder Embedder
	cfg      config.BatchConfig
}

// New builds the dedup service.
func New(st Store, embedder Embedder, cfg config.BatchConfig) *Service {
	return &Service{store: st, embedder: embedder, cfg: cfg}
}

// embedText is the canonical string a pattern is embedded as. Title and
// summary vary with the model's phrasing; type plus trigger is what makes
// two failures "the same".
func embedText(p *model.FailurePattern) string {
	return fmt.Sprintf("%s: %s", p.FailureType, p.TriggerCondition)
}

// suggestionTypeFor routes a failure type to the generator that owns it.
func suggestionTypeFor(ft model.FailureType) model.SuggestionType {
	switch ft {
	case model.FailureRunawayLoop:
		return model.TypeGuardrail
	case model.FailureInfrastructure:
		return model.TypeRunbook
	default:
		return model.TypeEval
	}
}

// Run executes one dedup pass. Patterns process sequentially; suggestions
// created mid-run immediately join the candidate set. A dry run embeds and
// matches but persists nothing; simulated suggestions still join the
// in-memory candidate set so later items in the batch dedup against them.
func (s *Service) Run(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error) {
	log := logging.For(logging.CategoryDedup)
	run := &model.RunSummary{
		RunID:       uuid.NewString(),
		Stage:       Stage,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: opts.Trigger(),
		DryRun:      opts.DryRun,
	}

	limit := s.cfg.DedupBatchSize
	if opts.BatchSize > 0 {
		limit = opts.BatchSize
	}
	patterns, err := s.store.ListUnprocessedPatterns(ctx, limit)
	if err != nil {
		return nil, err
	}
	run.BatchSize = len(patterns)

	existing, err := s.store.ListCandidateEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]similarity.Candidate, 0, len(existing))
	for _, c := range existing {
		candidates = append(candidates, similarity.Candidate{ID: c.SuggestionID, Embedding: c.Embedding})
	}
	log.Info("dedup run started",
		zap.String("run_id", run.RunID),
		zap.Int("batch_size", len(patterns)),
		zap.Int("candidates", len(candidates)),
		zap.Bool("dry_run", opts.DryRun))

	var simSum float64
	for _, p := range patterns {
		item, newCandidate := s.dedupOne(ctx, run.RunID, p, candidates, opts.DryRun)
		if newCandidate != nil {
			candidates = append(candidates, *newCandidate)
		}
		if item.Outcome == model.OutcomeMerged {
			simSum += item.Similarity
		}
		run.Items = append(run.Items, item)
		log.Info("dedup decision",
			zap.String("run_id", run.RunID),
			zap.String("trace_id", p.SourceTraceID),
			zap.String("outcome", string(item.Outcome)),
			zap.Float64("similarity", item.Similarity))
	}

	run.CompletedAt = time.Now().UTC()
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.Tally()
	if decided := run.Counts.Merged + run.Counts.Created; decided > 0 {
		run.MergeRate = float64(run.Counts.Merged) / float64(decided)
	}
	if run.Counts.Merged > 0 {
		run.AvgSimilarity = simSum / float64(run.Counts.Merged)
	}
	if !opts.DryRun {
		if err := s.store.SaveRun(ctx, run); err != nil {
			log.Error("save run summary failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	log.Info("dedup run complete",
		zap.String("run_id", run.RunID),
		zap.Int("merged", run.Counts.Merged),
		zap.Int("created", run.Counts.Created),
		zap.Float64("merge_rate", run.MergeRate))
	return run, nil
}

// dedupOne embeds one pattern and either merges it into the best match or
// creates a new suggestion. The returned candidate is non-nil when a new
// suggestion joined the candidate set.
func (s *Service) dedupOne(ctx context.Context, runID string, p *model.FailurePattern, candidates []similarity.Candidate, dryRun bool) (model.ItemOutcome, *similarity.Candidate) {
	start := time.Now()
	item := model.ItemOutcome{SourceID: p.SourceTraceID}
	finish := func(o model.Outcome, detail string) model.ItemOutcome {
		item.Outcome = o
		item.Detail = detail
		item.DurationMs = time.Since(start).Milliseconds()
		return item
	}

	vec, err := s.embedder.Embed(ctx, embedText(p))
	if err != nil {
		if !dryRun {
			s.diagnose(ctx, runID, p.SourceTraceID, err)
		}
		return finish(model.OutcomeError, err.Error()), nil
	}

	match, found := similarity.FindBestMatch(vec, candidates, s.cfg.DedupThreshold)
	if found {
		item.Similarity = match.Score
		if dryRun {
			return finish(model.OutcomeMerged, "dry run, would merge into "+match.ID), nil
		}
		trace := model.SourceTrace{
			TraceID:         p.SourceTraceID,
			PatternID:       p.PatternID,
			AddedAt:         time.Now().UTC(),
			SimilarityScore: match.Score,
		}
		merged, err := s.store.MergeTraceIntoSuggestion(ctx, match.ID, trace, p.Severity)
		if err != nil {
			s.diagnose(ctx, runID, p.SourceTraceID, err)
			return finish(model.OutcomeError, err.Error()), nil
		}
		if err := s.store.MarkPatternProcessed(ctx, p.SourceTraceID); err != nil {
			s.diagnose(ctx, runID, p.SourceTraceID, err)
			return finish(model.OutcomeError, err.Error()), nil
		}
		if !merged {
			return finish(model.OutcomeSkipped, "trace already in lineage of "+match.ID), nil
		}
		return finish(model.OutcomeMerged, "merged into "+match.ID), nil
	}

	sug := s.newSuggestion(p, vec)
	if dryRun {
		return finish(model.OutcomeCreated, "dry run, would create suggestion"),
			&similarity.Candidate{ID: sug.SuggestionID, Embedding: vec}
	}
	if err := s.store.CreateSuggestion(ctx, sug); err != nil {
		s.diagnose(ctx, runID, p.SourceTraceID, err)
		return finish(model.OutcomeError, err.Error()), nil
	}
	if err := s.store.MarkPatternProcessed(ctx, p.SourceTraceID); err != nil {
		s.diagnose(ctx, runID, p.SourceTraceID, err)
		return finish(model.OutcomeError, err.Error()), nil
	}
	return finish(model.OutcomeCreated, "suggestion "+sug.SuggestionID),
		&similarity.Candidate{ID: sug.SuggestionID, Embedding: vec}
}

// newSuggestion builds a pending suggestion seeded with the pattern that
// created it. The suggestion founds its own similarity group; merges later
// join the group of the suggestion they merge into.
func (s *Service) newSuggestion(p *model.FailurePattern, vec []float64) *model.Suggestion {
	now := time.Now().UTC()
	id := uuid.NewString()
	return &model.Suggestion{
		SuggestionID:    id,
		SimilarityGroup: id,
		Type:            suggestionTypeFor(p.FailureType),
		Status:          model.StatusPending,
		Severity:        p.Severity,
		SourceTraces: []model.SourceTrace{{
			TraceID:         p.SourceTraceID,
			PatternID:       p.PatternID,
			AddedAt:         now,
			SimilarityScore: 1.0,
		}},
		Pattern: model.PatternContext{
			Title:            p.Title,
			FailureType:      p.FailureType,
			TriggerCondition: p.TriggerCondition,
			Summary:          p.Summary,
			Severity:         p.Severity,
		},
		Embedding: vec,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) diagnose(ctx context.Context, runID, sourceID string, cause error) {
	d := &model.DiagnosticError{
		RunID:    runID,
		SourceID: sourceID,
		Kind:     model.KindOf(cause),
		Message:  cause.Error(),
		At:       time.Now().UTC(),
	}
	if err := s.store.SaveDiagnostic(ctx, Stage, d); err != nil {
		logging.For(logging.CategoryDedup).Warn("save diagnostic failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// Health reports the dedup backlog.
func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{"stage": Stage}
	backlog, err := s.store.CountUnprocessedPatterns(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
		return out
	}
	out["status"] = "ok"
	out["backlog"] = backlog
	return out
}
