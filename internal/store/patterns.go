package store

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/evalforge/evalforge/internal/model"
)

// PutPattern writes a failure pattern keyed by its source trace id, so
// re-extracting a trace overwrites in place instead of duplicating.
func (s *Store) PutPattern(ctx context.Context, p *model.FailurePattern) error {
	if p.SourceTraceID == "" {
		return model.E(model.KindConfiguration, "pattern has no source trace id")
	}
	if p.PatternID == "" {
		p.PatternID = model.PatternIDFor(p.SourceTraceID)
	}
	_, err := s.col(colPatterns).Doc(docSafe(p.SourceTraceID)).Set(ctx, p)
	return mapErr(err, "put pattern "+p.SourceTraceID)
}

// GetPattern loads one pattern by its source trace id.
func (s *Store) GetPattern(ctx context.Context, traceID string) (*model.FailurePattern, error) {
	doc, err := s.col(colPatterns).Doc(docSafe(traceID)).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get pattern "+traceID)
	}
	var p model.FailurePattern
	if err := doc.DataTo(&p); err != nil {
		return nil, model.E(model.KindWrongType, "decode pattern %s: %v", traceID, err)
	}
	return &p, nil
}

// ListUnprocessedPatterns returns up to limit patterns deduplication has not
// consumed yet, oldest extraction first.
func (s *Store) ListUnprocessedPatterns(ctx context.Context, limit int) ([]*model.FailurePattern, error) {
	q := s.col(colPatterns).
		Where("processed", "==", false).
		OrderBy("extracted_at", firestore.Asc).
		Limit(limit)

	var out []*model.FailurePattern
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, mapErr(err, "list unprocessed patterns")
		}
		var p model.FailurePattern
		if err := doc.DataTo(&p); err != nil {
			return nil, model.E(model.KindWrongType, "decode pattern: %v", err)
		}
		out = append(out, &p)
	}
}

// ListPatternsByTraceIDs hydrates the patterns behind a suggestion's lineage.
// Missing documents are skipped, not errors: lineage can outlive pattern
// retention.
func (s *Store) ListPatternsByTraceIDs(ctx context.Context, traceIDs []string) ([]*model.FailurePattern, error) {
	out := make([]*model.FailurePattern, 0, len(traceIDs))
	for _, id := range traceIDs {
		p, err := s.GetPattern(ctx, id)
		if model.IsKind(err, model.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MarkPatternProcessed flips the processed flag after dedup has merged or
// created a suggestion for the pattern.
func (s *Store) MarkPatternProcessed(ctx context.Context, traceID string) error {
	_, err := s.col(colPatterns).Doc(docSafe(traceID)).Update(ctx, []firestore.Update{
		{Path: "processed", Value: true},
	})
	return mapErr(err, "mark pattern processed "+traceID)
}

// CountUnprocessedPatterns reports the dedup backlog for health output.
func (s *Store) CountUnprocessedPatterns(ctx context.Context) (int64, error) {
	return s.count(ctx, s.col(colPatterns).Where("processed", "==", false))
}
