// Package similarity implements cosine-similarity matching over embedding
// vectors for the deduplication stage.
package similarity

import "math"

// Cosine computes dot(a,b) / (||a|| * ||b||). Returns 0 when either vector
// has zero magnitude or the dimensions disagree.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Candidate pairs an id with its embedding.
type Candidate struct {
	ID        string
	Embedding []float64
}

// Match is a best-match result.
type Match struct {
	ID    string
	Score float64
}

// FindBestMatch returns the candidate with the highest cosine similarity to
// query that is at least threshold. Ties break toward the first-seen
// candidate: a later candidate must strictly beat the current best.
func FindBestMatch(query []float64, candidates []Candidate, threshold float64) (Match, bool) {
	best := Match{}
	found := false
	for _, c := range candidates {
		score := Cosine(query, c.Embedding)
		if score < threshold {
			continue
		}
		if !found || score > best.Score {
			best = Match{ID: c.ID, Score: score}
			found = true
		}
	}
	return best, found
}

// BatchBestMatch matches many queries against one candidate set. Candidates
// are normalized once so each query costs a single pass of dot products.
// Results align with queries; a zero-value Match with ok=false marks a miss.
func BatchBestMatch(queries [][]float64, candidates []Candidate, threshold float64) []Match {
	normed := make([][]float64, len(candidates))
	for i, c := range candidates {
		normed[i] = normalize(c.Embedding)
	}

	out := make([]Match, len(queries))
	for qi, q := range queries {
		nq := normalize(q)
		if nq == nil {
			continue
		}
		best := Match{}
		found := false
		for ci, nc := range normed {
			if nc == nil || len(nc) != len(nq) {
				continue
			}
			var dot float64
			for i := range nq {
				dot += nq[i] * nc[i]
			}
			if dot < threshold {
				continue
			}
			if !found || dot > best.Score {
				best = Match{ID: candidates[ci].ID, Score: dot}
				found = true
			}
		}
		if found {
			out[qi] = best
		}
	}
	return out
}

func normalize(v []float64) []float64 {
	var mag float64
	for _, x := range v {
		mag += x * x
	}
	if mag == 0 {
		return nil
	}
	mag = math.Sqrt(mag)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / mag
	}
	return out
}
