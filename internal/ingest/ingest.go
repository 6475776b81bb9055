// Package ingest runs the capture stage: pull failing spans from the
// observability provider, redact them, and upsert them as failure captures.
// Document ids are provider trace ids, so re-running a window never
// duplicates work downstream.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/provider"
	"github.com/evalforge/evalforge/internal/redact"
)

// Stage name used for run and diagnostic collections.
const Stage = "ingestion"

// Store is the persistence surface ingestion needs.
type Store interface {
	UpsertCapture(ctx context.Context, c *model.FailureCapture) (created bool, err error)
	SaveRun(ctx context.Context, run *model.RunSummary) error
	SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error
	CountUnprocessedCaptures(ctx context.Context) (int64, error)
}

// SpanSource is the provider surface ingestion needs.
type SpanSource interface {
	SearchFailureSpans(ctx context.Context, lookback time.Duration, qualityThreshold float64) ([]provider.SpanEvent, error)
	LastRateLimit() provider.RateLimit
}

// Service executes ingestion runs.
type Service struct {
	store    Store
	source   SpanSource
	redactor *redact.Redactor
	cfg      config.BatchConfig
}

// New builds the ingestion service.
func New(store Store, source SpanSource, redactor *redact.Redactor, cfg config.BatchConfig) *Service {
	return &Service{store: store, source: source, redactor: redactor, cfg: cfg}
}

// Run executes one ingestion pass and persists its run summary. The summary
// is returned even when individual items failed; only a provider-level
// failure aborts the run. Options may override the configured lookback
// window and quality threshold for this run.
func (s *Service) Run(ctx context.Context, opts model.BatchOptions) (*model.RunSummary, error) {
	log := logging.For(logging.CategoryIngestion)
	run := &model.RunSummary{
		RunID:       uuid.NewString(),
		Stage:       Stage,
		StartedAt:   time.Now().UTC(),
		TriggeredBy: opts.Trigger(),
	}
	log.Info("ingestion run started",
		zap.String("run_id", run.RunID),
		zap.String("triggered_by", string(run.TriggeredBy)))

	lookbackHours := s.cfg.LookbackHours
	if opts.LookbackHours > 0 {
		lookbackHours = opts.LookbackHours
	}
	quality := s.cfg.QualityThreshold
	if opts.QualityThreshold > 0 {
		quality = opts.QualityThreshold
	}
	spans, err := s.source.SearchFailureSpans(ctx, time.Duration(lookbackHours)*time.Hour, quality)
	if err != nil {
		log.Error("span search failed", zap.String("run_id", run.RunID), zap.Error(err))
		return nil, err
	}

	captures := collapse(spans)
	run.BatchSize = len(captures)

	for _, cap := range captures {
		start := time.Now()
		item := model.ItemOutcome{SourceID: cap.TraceID}

		created, err := s.ingestOne(ctx, cap)
		switch {
		case err != nil:
			item.Outcome = model.OutcomeError
			item.Detail = err.Error()
			s.diagnose(ctx, run.RunID, cap.TraceID, err)
		case created:
			item.Outcome = model.OutcomeStored
		default:
			item.Outcome = model.OutcomeSkipped
			item.Detail = "already ingested"
		}
		item.DurationMs = time.Since(start).Milliseconds()
		run.Items = append(run.Items, item)

		log.Info("ingestion decision",
			zap.String("run_id", run.RunID),
			zap.String("trace_id", cap.TraceID),
			zap.String("outcome", string(item.Outcome)),
			zap.Int("recurrence", cap.RecurrenceCount))
	}

	run.CompletedAt = time.Now().UTC()
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.Tally()
	if err := s.store.SaveRun(ctx, run); err != nil {
		log.Error("save run summary failed", zap.String("run_id", run.RunID), zap.Error(err))
	}
	log.Info("ingestion run complete",
		zap.String("run_id", run.RunID),
		zap.Int("picked_up", run.Counts.PickedUp),
		zap.Int("stored", run.Counts.Stored),
		zap.Int("skipped", run.Counts.Skipped),
		zap.Int("errored", run.Counts.Errored))
	return run, nil
}

// ingestOne hashes the user identifier, redacts the payload, and upserts a
// single capture. The hash is taken before redaction strips the identifier.
func (s *Service) ingestOne(ctx context.Context, cap *model.FailureCapture) (bool, error) {
	if id := userIdentifier(cap.TracePayload); id != "" {
		cap.UserHash = s.redactor.HashIdentifier(id)
	}
	cap.TracePayload = s.redactor.Payload(cap.TracePayload)
	return s.store.UpsertCapture(ctx, cap)
}

// userIdentifier finds the user identifier in span attributes, preferring a
// stable id over an email. Providers nest it under "user" or "usr".
func userIdentifier(payload map[string]any) string {
	for _, parent := range []string{"user", "usr"} {
		user, ok := payload[parent].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"id", "email", "name"} {
			if v, ok := user[key].(string); ok && v != "" {
				return v
			}
		}
	}
	for _, key := range []string{"usr.id", "user.id", "usr.email", "user.email"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// collapse folds repeated trace ids within one provider window into a single
// capture whose recurrence count is the number of occurrences. Output order
// is deterministic (oldest first, id tie-break).
func collapse(spans []provider.SpanEvent) []*model.FailureCapture {
	byTrace := make(map[string]*model.FailureCapture)
	for _, sp := range spans {
		if sp.TraceID == "" {
			continue
		}
		if existing, ok := byTrace[sp.TraceID]; ok {
			existing.RecurrenceCount++
			if sp.StartedAt.Before(existing.CapturedAt) {
				existing.CapturedAt = sp.StartedAt
			}
			continue
		}
		byTrace[sp.TraceID] = &model.FailureCapture{
			TraceID:         sp.TraceID,
			CapturedAt:      sp.StartedAt,
			FailureType:     sp.FailureType,
			Severity:        severityForScore(sp.QualityScore),
			Service:         sp.Service,
			QualityScore:    sp.QualityScore,
			TracePayload:    sp.Attributes,
			RecurrenceCount: 1,
			Status:          model.CaptureNew,
		}
	}

	out := make([]*model.FailureCapture, 0, len(byTrace))
	for _, c := range byTrace {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].TraceID < out[j].TraceID
	})
	return out
}

// severityForScore grades capture severity from the provider quality score.
// Error spans carry score 0 and land in critical.
func severityForScore(score float64) model.Severity {
	switch {
	case score >= 0.4:
		return model.SeverityLow
	case score >= 0.25:
		return model.SeverityMedium
	case score >= 0.1:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
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
		logging.For(logging.CategoryIngestion).Warn("save diagnostic failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// Health reports the ingestion backlog and the provider rate budget.
func (s *Service) Health(ctx context.Context) map[string]any {
	out := map[string]any{"stage": Stage}
	backlog, err := s.store.CountUnprocessedCaptures(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
	} else {
		out["status"] = "ok"
		out["unprocessed_captures"] = backlog
	}
	rl := s.source.LastRateLimit()
	if rl.Limit > 0 {
		out["provider_rate"] = fmt.Sprintf("%d/%d", rl.Remaining, rl.Limit)
	}
	return out
}
