package store

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/evalforge/evalforge/internal/model"
)

// CreateSuggestion writes a brand new suggestion. Create (not Set) so an id
// collision surfaces instead of silently clobbering review state.
func (s *Store) CreateSuggestion(ctx context.Context, sug *model.Suggestion) error {
	if sug.SuggestionID == "" {
		return model.E(model.KindConfiguration, "suggestion has no id")
	}
	_, err := s.col(colSuggestions).Doc(sug.SuggestionID).Create(ctx, sug)
	return mapErr(err, "create suggestion "+sug.SuggestionID)
}

// GetSuggestion loads one suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error) {
	doc, err := s.col(colSuggestions).Doc(id).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get suggestion "+id)
	}
	var sug model.Suggestion
	if err := doc.DataTo(&sug); err != nil {
		return nil, model.E(model.KindWrongType, "decode suggestion %s: %v", id, err)
	}
	return &sug, nil
}

// UpdateSuggestion applies mutate to a suggestion inside a transaction and
// writes the result. Kind errors returned by mutate (invalid_transition,
// overwrite_blocked) abort the transaction and surface unchanged. The updated
// suggestion is returned on success.
func (s *Store) UpdateSuggestion(ctx context.Context, id string, mutate func(*model.Suggestion) error) (*model.Suggestion, error) {
	ref := s.col(colSuggestions).Doc(id)
	var updated model.Suggestion
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var sug model.Suggestion
		if err := doc.DataTo(&sug); err != nil {
			return model.E(model.KindWrongType, "decode suggestion %s: %v", id, err)
		}
		prev := sug.UpdatedAt
		if err := mutate(&sug); err != nil {
			return err
		}
		// Mutations that need updated_at to equal another timestamp they
		// wrote (approval metadata) set it themselves; everyone else gets
		// stamped here.
		if sug.UpdatedAt.Equal(prev) {
			sug.UpdatedAt = nowUTC()
		}
		updated = sug
		return tx.Set(ref, &sug)
	})
	if err != nil {
		return nil, mapErr(err, "update suggestion "+id)
	}
	return &updated, nil
}

// MergeTraceIntoSuggestion appends a lineage entry transactionally. Merging a
// trace that is already in the lineage is a no-op, which makes dedup reruns
// idempotent. Severity is raised, never lowered, when the merged pattern is
// more severe.
func (s *Store) MergeTraceIntoSuggestion(ctx context.Context, id string, trace model.SourceTrace, severity model.Severity) (merged bool, err error) {
	_, err = s.UpdateSuggestion(ctx, id, func(sug *model.Suggestion) error {
		if sug.HasTrace(trace.TraceID) {
			return nil
		}
		merged = true
		sug.SourceTraces = append(sug.SourceTraces, trace)
		if severityRank(severity) > severityRank(sug.Severity) {
			sug.Severity = severity
		}
		return nil
	})
	return merged, err
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 3
	case model.SeverityHigh:
		return 2
	case model.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// CandidateEmbedding is the slim projection dedup matches against.
type CandidateEmbedding struct {
	SuggestionID string    `firestore:"suggestion_id"`
	Embedding    []float64 `firestore:"embedding"`
}

// ListCandidateEmbeddings returns suggestion ids with their embeddings, in
// creation order. Creation order matters: equal similarity scores resolve to
// the earliest candidate.
func (s *Store) ListCandidateEmbeddings(ctx context.Context) ([]CandidateEmbedding, error) {
	q := s.col(colSuggestions).
		OrderBy("created_at", firestore.Asc).
		Select("suggestion_id", "embedding")

	var out []CandidateEmbedding
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, mapErr(err, "list candidate embeddings")
		}
		var c CandidateEmbedding
		if err := doc.DataTo(&c); err != nil {
			return nil, model.E(model.KindWrongType, "decode candidate: %v", err)
		}
		if len(c.Embedding) > 0 {
			out = append(out, c)
		}
	}
}

// SuggestionFilter narrows a listing. Zero values mean no filter.
type SuggestionFilter struct {
	Type     model.SuggestionType
	Status   model.SuggestionStatus
	Severity model.Severity
	Limit    int
	Cursor   string
}

// SuggestionPage is one page of a listing.
type SuggestionPage struct {
	Items      []*model.Suggestion
	NextCursor string
	HasMore    bool
}

// ListSuggestions pages through suggestions, newest first. It fetches one
// extra document to decide HasMore without a second round trip.
func (s *Store) ListSuggestions(ctx context.Context, f SuggestionFilter) (*SuggestionPage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	q := s.col(colSuggestions).Query
	if f.Type != "" {
		q = q.Where("type", "==", string(f.Type))
	}
	if f.Status != "" {
		q = q.Where("status", "==", string(f.Status))
	}
	if f.Severity != "" {
		q = q.Where("severity", "==", string(f.Severity))
	}
	q = q.OrderBy("created_at", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if f.Cursor != "" {
		t, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.StartAfter(t, id)
	}
	q = q.Limit(limit + 1)

	var items []*model.Suggestion
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapErr(err, "list suggestions")
		}
		var sug model.Suggestion
		if err := doc.DataTo(&sug); err != nil {
			return nil, model.E(model.KindWrongType, "decode suggestion: %v", err)
		}
		items = append(items, &sug)
	}

	page := &SuggestionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.SuggestionID)
	}
	return page, nil
}

// CountSuggestions counts suggestions matching an optional single-field
// equality filter. Empty path counts everything.
func (s *Store) CountSuggestions(ctx context.Context, path, value string) (int64, error) {
	q := s.col(colSuggestions).Query
	if path != "" {
		q = q.Where(path, "==", value)
	}
	return s.count(ctx, q)
}

// CountApprovedSuggestions counts approved suggestions of one type.
func (s *Store) CountApprovedSuggestions(ctx context.Context, typ model.SuggestionType) (int64, error) {
	q := s.col(colSuggestions).
		Where("status", "==", string(model.StatusApproved)).
		Where("type", "==", string(typ))
	return s.count(ctx, q)
}

// SaveExport persists an export record.
func (s *Store) SaveExport(ctx context.Context, rec *model.ExportRecord) error {
	if rec.ExportID == "" {
		return model.E(model.KindConfiguration, "export record has no id")
	}
	_, err := s.col(colExports).Doc(rec.ExportID).Set(ctx, rec)
	return mapErr(err, "save export "+rec.ExportID)
}
