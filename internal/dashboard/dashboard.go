// Package dashboard publishes pipeline gauges back to the observability
// provider so review backlog and coverage sit next to the failure metrics
// that feed the pipeline.
package dashboard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
	"github.com/evalforge/evalforge/internal/provider"
)

// Store is the count surface the publisher reads.
type Store interface {
	CountSuggestions(ctx context.Context, path, value string) (int64, error)
	CountApprovedSuggestions(ctx context.Context, typ model.SuggestionType) (int64, error)
	CountCaptures(ctx context.Context) (int64, error)
}

// Sink receives gauge samples.
type Sink interface {
	SubmitGauges(ctx context.Context, points []provider.GaugePoint) error
}

// Publisher assembles and pushes one gauge snapshot per invocation.
type Publisher struct {
	store Store
	sink  Sink
}

// New builds a Publisher.
func New(st Store, sink Sink) *Publisher {
	return &Publisher{store: st, sink: sink}
}

// Snapshot is the set of counts behind one publication.
type Snapshot struct {
	Pending    int64
	Approved   int64
	Rejected   int64
	Total      int64
	ByType     map[model.SuggestionType]int64
	BySeverity map[model.Severity]int64
	// Coverage is the percentage of ingested failures answered by an
	// approved eval.
	Coverage float64
}

// Publish reads current counts and submits them as gauges. A count failure
// aborts the whole publication; stale gauges beat partially fresh ones.
func (p *Publisher) Publish(ctx context.Context) (*Snapshot, error) {
	log := logging.For(logging.CategoryDashboard)

	snap, err := p.collect(ctx)
	if err != nil {
		return nil, err
	}

	points := []provider.GaugePoint{
		{Metric: "evalforge.suggestions.pending", Value: float64(snap.Pending)},
		{Metric: "evalforge.suggestions.approved", Value: float64(snap.Approved)},
		{Metric: "evalforge.suggestions.rejected", Value: float64(snap.Rejected)},
		{Metric: "evalforge.suggestions.total", Value: float64(snap.Total)},
		{Metric: "evalforge.coverage.improvement", Value: snap.Coverage},
	}
	for typ, n := range snap.ByType {
		points = append(points, provider.GaugePoint{
			Metric: "evalforge.suggestions.by_type",
			Value:  float64(n),
			Tags:   []string{"type:" + string(typ)},
		})
	}
	for sev, n := range snap.BySeverity {
		points = append(points, provider.GaugePoint{
			Metric: "evalforge.suggestions.by_severity",
			Value:  float64(n),
			Tags:   []string{"severity:" + string(sev)},
		})
	}

	if err := p.sink.SubmitGauges(ctx, points); err != nil {
		return nil, fmt.Errorf("submit gauges: %w", err)
	}
	log.Info("gauges published",
		zap.Int64("pending", snap.Pending),
		zap.Int64("total", snap.Total),
		zap.Float64("coverage_pct", snap.Coverage))
	return snap, nil
}

func (p *Publisher) collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		ByType:     make(map[model.SuggestionType]int64),
		BySeverity: make(map[model.Severity]int64),
	}

	var err error
	count := func(path, value string) int64 {
		if err != nil {
			return 0
		}
		var n int64
		n, err = p.store.CountSuggestions(ctx, path, value)
		return n
	}

	snap.Pending = count("status", string(model.StatusPending))
	snap.Approved = count("status", string(model.StatusApproved))
	snap.Rejected = count("status", string(model.StatusRejected))
	snap.Total = count("", "")
	for _, typ := range []model.SuggestionType{model.TypeEval, model.TypeGuardrail, model.TypeRunbook} {
		snap.ByType[typ] = count("type", string(typ))
	}
	for _, sev := range []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical} {
		snap.BySeverity[sev] = count("severity", string(sev))
	}
	if err != nil {
		return nil, err
	}

	approvedEvals, err := p.store.CountApprovedSuggestions(ctx, model.TypeEval)
	if err != nil {
		return nil, err
	}
	failures, err := p.store.CountCaptures(ctx)
	if err != nil {
		return nil, err
	}
	if failures > 0 {
		snap.Coverage = float64(approvedEvals) / float64(failures) * 100
	}
	return snap, nil
}
