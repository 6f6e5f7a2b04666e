// Package temporal models how memories age: confidence decays with
// disuse, and preference snapshots regress into trends.
package temporal

import (
	"fmt"
	"math"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Tracker computes decay and trends over the durable store.
type Tracker struct {
	db  *store.DB
	cfg config.TemporalConfig
}

// New creates a temporal tracker.
func New(db *store.DB, cfg config.TemporalConfig) *Tracker {
	return &Tracker{db: db, cfg: cfg}
}

// RecordSnapshot captures the current value of a preference dimension for
// one situational bucket ("alone", "with_partner", "work", ...).
func (t *Tracker) RecordSnapshot(userID, contextBucket string, vector []float64) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty snapshot vector")
	}
	return t.db.AddSnapshot(&types.PreferenceSnapshot{
		UserID:        userID,
		ContextBucket: contextBucket,
		Vector:        vector,
	})
}

// Trend fits a least-squares line through the snapshot history of one
// vector dimension and reports direction, magnitude (slope per day), and
// a fit-quality confidence. Fewer than MinTrendPoints snapshots is not
// enough signal: ErrInsufficientData.
func (t *Tracker) Trend(userID, contextBucket string, dimension int) (*types.Trend, error) {
	snaps, err := t.db.Snapshots(userID, contextBucket, 0)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	var xs, ys []float64
	for _, s := range snaps {
		if dimension < 0 || dimension >= len(s.Vector) {
			continue
		}
		xs = append(xs, s.CapturedAt.Sub(snaps[0].CapturedAt).Hours()/24)
		ys = append(ys, s.Vector[dimension])
	}

	minPoints := t.cfg.MinTrendPoints
	if minPoints < 3 {
		minPoints = 3
	}
	if len(xs) < minPoints {
		return nil, fmt.Errorf("%d snapshots for %s/%s dim %d: %w",
			len(xs), userID, contextBucket, dimension, types.ErrInsufficientData)
	}

	slope, r2 := linearFit(xs, ys)
	return &types.Trend{
		Direction:  direction(slope),
		Magnitude:  math.Abs(slope),
		Confidence: r2,
	}, nil
}

// stableSlope is the per-day change below which a trend reads as noise.
const stableSlope = 0.005

func direction(slope float64) types.TrendDirection {
	switch {
	case slope > stableSlope:
		return types.TrendRising
	case slope < -stableSlope:
		return types.TrendFalling
	default:
		return types.TrendStable
	}
}

// linearFit returns the least-squares slope and R² for (xs, ys).
func linearFit(xs, ys []float64) (slope, r2 float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// All snapshots at the same instant.
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i := range xs {
		pred := slope*xs[i] + intercept
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		// Perfectly flat series fits perfectly.
		return slope, 1
	}
	r2 = 1 - ssRes/ssTot
	if r2 < 0 {
		r2 = 0
	}
	return slope, r2
}

// EffectiveConfidence returns the fact's stored confidence discounted by
// exponential decay since it was last accessed, floored so old memories
// fade rather than vanish. Identity facts, user-curated facts, and
// immutable facts do not decay: only supersession may lower an immutable
// fact's confidence.
func (t *Tracker) EffectiveConfidence(f *types.Fact, now time.Time) float64 {
	if f.UserCurated || f.Immutable || f.Type == types.FactIdentity {
		return f.Confidence
	}

	last := f.LastAccess
	if last.IsZero() {
		last = f.UpdatedAt
	}
	ageDays := now.Sub(last).Hours() / 24
	if ageDays <= 0 {
		return f.Confidence
	}

	halfLife := float64(t.cfg.DecayHalfLifeDays)
	if halfLife <= 0 {
		halfLife = 30
	}
	decayed := f.Confidence * math.Exp(-math.Ln2*ageDays/halfLife)
	if decayed < t.cfg.DecayFloor {
		return t.cfg.DecayFloor
	}
	return decayed
}

// ApplyDecay persists decayed confidence for every live fact of a user.
// Run from consolidation so retrieval ranking reflects disuse without a
// per-query recompute.
func (t *Tracker) ApplyDecay(userID string, now time.Time) (int, error) {
	facts, err := t.db.LiveFacts(userID)
	if err != nil {
		return 0, fmt.Errorf("load facts: %w", err)
	}

	updated := 0
	for _, f := range facts {
		eff := t.EffectiveConfidence(f, now)
		if eff == f.Confidence {
			continue
		}
		f.Confidence = eff
		if err := t.db.UpdateFact(f); err != nil {
			return updated, fmt.Errorf("persist decay for %s: %w", f.ID, err)
		}
		updated++
	}
	return updated, nil
}
