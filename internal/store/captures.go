package store

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/evalforge/evalforge/internal/model"
)

// UpsertCapture writes a capture keyed by its trace id. When the document
// already exists the pipeline-owned fields (processed flag, export status and
// history, first-seen timestamp) are preserved, so re-ingesting the same
// window is a no-op for downstream stages. Returns whether a new document was
// created.
func (s *Store) UpsertCapture(ctx context.Context, c *model.FailureCapture) (bool, error) {
	if c.TraceID == "" {
		return false, model.E(model.KindConfiguration, "capture has no trace id")
	}
	ref := s.col(colCaptures).Doc(docSafe(c.TraceID))

	created := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil && isNotFound(err) {
			created = true
			fresh := *c
			if fresh.Status == "" {
				fresh.Status = model.CaptureNew
			}
			if fresh.RecurrenceCount < 1 {
				fresh.RecurrenceCount = 1
			}
			return tx.Set(ref, &fresh)
		}
		if err != nil {
			return err
		}
		var existing model.FailureCapture
		if err := doc.DataTo(&existing); err != nil {
			return model.E(model.KindWrongType, "decode capture %s: %v", c.TraceID, err)
		}
		return tx.Set(ref, mergeCapture(&existing, c))
	})
	if err != nil {
		return false, mapErr(err, "upsert capture "+c.TraceID)
	}
	return created, nil
}

// mergeCapture combines an incoming capture with the stored one. The stored
// document wins for everything downstream stages own.
func mergeCapture(existing, incoming *model.FailureCapture) *model.FailureCapture {
	out := *incoming
	out.Processed = existing.Processed
	out.Status = existing.Status
	out.StatusHistory = existing.StatusHistory
	out.ExportRef = existing.ExportRef
	out.CapturedAt = existing.CapturedAt
	if existing.RecurrenceCount > out.RecurrenceCount {
		out.RecurrenceCount = existing.RecurrenceCount
	}
	return &out
}

// GetCapture loads one capture by trace id.
func (s *Store) GetCapture(ctx context.Context, traceID string) (*model.FailureCapture, error) {
	doc, err := s.col(colCaptures).Doc(docSafe(traceID)).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get capture "+traceID)
	}
	var c model.FailureCapture
	if err := doc.DataTo(&c); err != nil {
		return nil, model.E(model.KindWrongType, "decode capture %s: %v", traceID, err)
	}
	return &c, nil
}

// ListUnprocessedCaptures returns up to limit captures extraction has not
// consumed yet, oldest first.
func (s *Store) ListUnprocessedCaptures(ctx context.Context, limit int) ([]*model.FailureCapture, error) {
	q := s.col(colCaptures).
		Where("processed", "==", false).
		OrderBy("captured_at", firestore.Asc).
		Limit(limit)

	var out []*model.FailureCapture
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, mapErr(err, "list unprocessed captures")
		}
		var c model.FailureCapture
		if err := doc.DataTo(&c); err != nil {
			return nil, model.E(model.KindWrongType, "decode capture: %v", err)
		}
		out = append(out, &c)
	}
}

// MarkCaptureProcessed flips the processed flag after extraction persists the
// pattern. Flipping after the write means a crash between the two re-extracts
// rather than losing the trace.
func (s *Store) MarkCaptureProcessed(ctx context.Context, traceID string) error {
	_, err := s.col(colCaptures).Doc(docSafe(traceID)).Update(ctx, []firestore.Update{
		{Path: "processed", Value: true},
	})
	return mapErr(err, "mark capture processed "+traceID)
}

// MarkCaptureExported transitions a capture new->exported with an append-only
// history entry. Exporting an already exported capture is a no-op.
func (s *Store) MarkCaptureExported(ctx context.Context, traceID, exportRef string) error {
	ref := s.col(colCaptures).Doc(docSafe(traceID))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var c model.FailureCapture
		if err := doc.DataTo(&c); err != nil {
			return model.E(model.KindWrongType, "decode capture %s: %v", traceID, err)
		}
		if c.Status == model.CaptureExported {
			return nil
		}
		change := model.CaptureStatusChange{
			PreviousStatus: c.Status,
			NewStatus:      model.CaptureExported,
			Timestamp:      nowUTC(),
			Note:           "export " + exportRef,
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: model.CaptureExported},
			{Path: "export_ref", Value: exportRef},
			{Path: "status_history", Value: firestore.ArrayUnion(change)},
		})
	})
	return mapErr(err, "mark capture exported "+traceID)
}

// CountUnprocessedCaptures reports the extraction backlog for health output.
func (s *Store) CountUnprocessedCaptures(ctx context.Context) (int64, error) {
	return s.count(ctx, s.col(colCaptures).Where("processed", "==", false))
}

// CountCaptures counts every ingested failure capture.
func (s *Store) CountCaptures(ctx context.Context) (int64, error) {
	return s.count(ctx, s.col(colCaptures).Query)
}
