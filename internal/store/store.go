// Package store is the Firestore persistence gateway. Every pipeline stage
// reads its input collection and exclusively writes its output collection
// through this package; cross-document updates that must be atomic (status
// transitions, lineage merges) run inside Firestore transactions.
package store

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/evalforge/evalforge/internal/config"
	"github.com/evalforge/evalforge/internal/logging"
	"github.com/evalforge/evalforge/internal/model"
)

// Collection name stems. The configured prefix is prepended to each.
const (
	colCaptures    = "raw_traces"
	colPatterns    = "failure_patterns"
	colSuggestions = "suggestions"
	colExports     = "exports"
)

// Store wraps a Firestore client with the configured collection prefix.
type Store struct {
	client *firestore.Client
	prefix string
}

// New connects to Firestore. The connection is validated lazily by the first
// operation, matching the client library's behavior.
func New(ctx context.Context, cfg config.FirestoreConfig) (*Store, error) {
	if cfg.Project == "" {
		return nil, model.E(model.KindConfiguration, "firestore project is not configured")
	}
	client, err := firestore.NewClientWithDatabase(ctx, cfg.Project, cfg.DatabaseID)
	if err != nil {
		return nil, model.E(model.KindConfiguration, "create firestore client: %v", err)
	}
	return &Store{client: client, prefix: cfg.CollectionPrefix}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) col(stem string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + stem)
}

// runsCol returns the run summary collection for a stage, e.g.
// "evalforge_extraction_runs".
func (s *Store) runsCol(stage string) *firestore.CollectionRef {
	return s.col(stage + "_runs")
}

func (s *Store) errorsCol(stage string) *firestore.CollectionRef {
	return s.col(stage + "_errors")
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// mapErr converts Firestore gRPC errors to the shared kinds. Errors already
// carrying a kind pass through untouched.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if model.KindOf(err) != model.KindUnknown {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return model.E(model.KindNotFound, "%s: document not found", op)
	case codes.ResourceExhausted:
		return model.Wrap(model.KindRateLimited, err)
	case codes.DeadlineExceeded, codes.Canceled:
		return model.Wrap(model.KindTimeout, err)
	default:
		return model.E(model.KindUnknown, "%s: %v", op, err)
	}
}

// SaveRun persists a batch run summary under the stage's run collection.
func (s *Store) SaveRun(ctx context.Context, run *model.RunSummary) error {
	if run.RunID == "" || run.Stage == "" {
		return model.E(model.KindConfiguration, "run summary needs run_id and stage")
	}
	_, err := s.runsCol(run.Stage).Doc(run.RunID).Set(ctx, run)
	return mapErr(err, "save run "+run.RunID)
}

// SaveDiagnostic persists one per-item failure record, keyed so a rerun of
// the same item in the same run overwrites instead of duplicating.
func (s *Store) SaveDiagnostic(ctx context.Context, stage string, d *model.DiagnosticError) error {
	if d.Key == "" {
		d.Key = model.DiagnosticKey(d.RunID, d.SourceID)
	}
	_, err := s.errorsCol(stage).Doc(docSafe(d.Key)).Set(ctx, d)
	return mapErr(err, "save diagnostic "+d.Key)
}

// LatestRun returns the most recent run summary for a stage, or nil when the
// stage has never run.
func (s *Store) LatestRun(ctx context.Context, stage string) (*model.RunSummary, error) {
	iter := s.runsCol(stage).OrderBy("started_at", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()
	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err, "latest run for "+stage)
	}
	var run model.RunSummary
	if err := doc.DataTo(&run); err != nil {
		return nil, model.E(model.KindWrongType, "decode run summary: %v", err)
	}
	return &run, nil
}

// GetRun loads one run summary by stage and id.
func (s *Store) GetRun(ctx context.Context, stage, runID string) (*model.RunSummary, error) {
	doc, err := s.runsCol(stage).Doc(docSafe(runID)).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get run "+runID)
	}
	var run model.RunSummary
	if err := doc.DataTo(&run); err != nil {
		return nil, model.E(model.KindWrongType, "decode run summary: %v", err)
	}
	return &run, nil
}

// Ping performs a cheap read to verify connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	iter := s.col(colSuggestions).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return mapErr(err, "ping")
	}
	return nil
}

// count runs a server-side aggregation count, falling back to streaming when
// the aggregation API is unavailable (the emulator predates it).
func (s *Store) count(ctx context.Context, q firestore.Query) (int64, error) {
	agg := q.NewAggregationQuery().WithCount("all")
	res, err := agg.Get(ctx)
	if err == nil {
		if n, ok := aggInt(res["all"]); ok {
			return n, nil
		}
	}
	log := logging.For(logging.CategoryStore)
	log.Debug("aggregation count unavailable, streaming instead")

	var n int64
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			return n, nil
		}
		if err != nil {
			return 0, mapErr(err, "count")
		}
		n++
	}
}

// cursor encoding: "RFC3339Nano|docID", base64url. Listings order by
// created_at descending with the document id as tie-break.
func encodeCursor(t time.Time, id string) string {
	raw := t.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(c string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", model.E(model.KindConfiguration, "malformed cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", model.E(model.KindConfiguration, "malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", model.E(model.KindConfiguration, "malformed cursor timestamp")
	}
	return t, parts[1], nil
}

// docSafe replaces path separators so arbitrary keys remain single-segment
// document ids.
func docSafe(id string) string {
	return strings.ReplaceAll(id, "/", "_")
}

func nowUTC() time.Time { return time.Now().UTC() }

// aggInt unwraps the aggregation result value.
func aggInt(v any) (int64, bool) {
	pb, ok := v.(*firestorepb.Value)
	if !ok {
		return 0, false
	}
	return pb.GetIntegerValue(), true
}
