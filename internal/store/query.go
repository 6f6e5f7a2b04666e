package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// Filters narrows a fact query beyond semantic similarity.
type Filters struct {
	Types    []types.FactType
	Category string
	ValidAt  time.Time // zero = skip validity filtering
}

// QueryResult is one ranked hit.
type QueryResult struct {
	Fact       *types.Fact
	Similarity float64
}

// Query runs semantic search intersected with structured filters for one
// user. Results are ranked by similarity; ties break by confidence
// descending, then updated_at descending. Matched facts get their access
// bookkeeping bumped.
func (s *Store) Query(ctx context.Context, userID, text string, filters Filters, limit int, confidenceThreshold float64) ([]QueryResult, error) {
	if limit <= 0 {
		limit = 20
	}

	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch before structured filtering. Similarity floor is loose
	// here; the caller's confidence threshold is the real gate.
	candidates, err := s.db.SimilarFacts(userID, emb, limit*4, 0.3)
	if err != nil {
		return nil, err
	}

	var out []QueryResult
	for _, sf := range candidates {
		f := sf.Fact
		if f.Confidence < confidenceThreshold {
			continue
		}
		if !matchesFilters(f, filters) {
			continue
		}
		out = append(out, QueryResult{Fact: f, Similarity: sf.Similarity})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Fact.Confidence != out[j].Fact.Confidence {
			return out[i].Fact.Confidence > out[j].Fact.Confidence
		}
		return out[i].Fact.UpdatedAt.After(out[j].Fact.UpdatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}

	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.Fact.ID
	}
	s.db.TouchFacts(ids)

	return out, nil
}

func matchesFilters(f *types.Fact, filters Filters) bool {
	if len(filters.Types) > 0 {
		found := false
		for _, t := range filters.Types {
			if f.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.Category != "" && !strings.EqualFold(f.Category, filters.Category) {
		return false
	}
	if !filters.ValidAt.IsZero() && !f.ValidAt(filters.ValidAt) {
		return false
	}
	return true
}
