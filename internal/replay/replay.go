// Package replay selects batches of past experiences for consolidation,
// weighted so important, recent, well-received memories come up first
// without starving the rest.
package replay

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Builder produces prioritized experience batches.
type Builder struct {
	cfg config.ReplayConfig
	rng *rand.Rand
}

// New creates a replay builder. Seed 0 seeds from the clock; any other
// value gives reproducible sampling.
func New(cfg config.ReplayConfig, seed int64) *Builder {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Builder{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Priority scores one experience. Recency decays exponentially with a
// one-week half-life; feedback maps [-1,1] onto [0,1].
func (b *Builder) Priority(e *types.Experience, now time.Time) float64 {
	ageDays := now.Sub(e.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-math.Ln2 * ageDays / 7)
	feedback := (e.Feedback + 1) / 2

	return b.cfg.ImportanceWeight*e.Importance +
		b.cfg.RecencyWeight*recency +
		b.cfg.FeedbackWeight*feedback
}

// Batch draws up to size experiences, weighted by priority, without
// replacement. High-priority items are likelier but never certain, so
// low-priority experiences still surface eventually.
func (b *Builder) Batch(experiences []*types.Experience, size int) []*types.Experience {
	if size <= 0 || len(experiences) == 0 {
		return nil
	}
	if size > len(experiences) {
		size = len(experiences)
	}
	now := time.Now()

	// Efraimidis–Spirakis: key each item with u^(1/w) and keep the top
	// `size` keys. One pass, no re-normalization between draws.
	type keyed struct {
		exp *types.Experience
		key float64
	}
	keys := make([]keyed, 0, len(experiences))
	for _, e := range experiences {
		w := b.Priority(e, now)
		if w <= 0 {
			w = 1e-6
		}
		u := b.rng.Float64()
		keys = append(keys, keyed{exp: e, key: math.Pow(u, 1/w)})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })

	out := make([]*types.Experience, 0, size)
	for _, k := range keys[:size] {
		out = append(out, k.exp)
	}
	return out
}
