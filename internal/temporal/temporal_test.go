package temporal

import (
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/types"
)

func setupTracker(t *testing.T) (*Tracker, *store.DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "temporal-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	tr := New(db, config.TemporalConfig{
		DecayHalfLifeDays: 30,
		DecayFloor:        0.1,
		MinTrendPoints:    3,
	})
	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return tr, db, cleanup
}

func addSnapshotAt(t *testing.T, db *store.DB, userID, bucket string, vec []float64, at time.Time) {
	t.Helper()
	if err := db.AddSnapshot(&types.PreferenceSnapshot{
		UserID:        userID,
		ContextBucket: bucket,
		Vector:        vec,
		CapturedAt:    at,
	}); err != nil {
		t.Fatalf("AddSnapshot failed: %v", err)
	}
}

// TestTrendRising verifies a steadily increasing dimension reads as rising
// with high fit confidence.
func TestTrendRising(t *testing.T) {
	tr, db, cleanup := setupTracker(t)
	defer cleanup()

	base := time.Now().Add(-30 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		addSnapshotAt(t, db, "alice", "alone", []float64{0.2 + 0.1*float64(i)},
			base.Add(time.Duration(i)*7*24*time.Hour))
	}

	trend, err := tr.Trend("alice", "alone", 0)
	if err != nil {
		t.Fatalf("Trend failed: %v", err)
	}
	if trend.Direction != types.TrendRising {
		t.Errorf("Direction = %v, want rising", trend.Direction)
	}
	if trend.Confidence < 0.95 {
		t.Errorf("Perfect line should fit with confidence near 1, got %v", trend.Confidence)
	}
	// 0.1 per 7 days
	if math.Abs(trend.Magnitude-0.1/7) > 1e-6 {
		t.Errorf("Magnitude = %v, want %v", trend.Magnitude, 0.1/7)
	}
}

// TestTrendStable verifies a flat series reads as stable.
func TestTrendStable(t *testing.T) {
	tr, db, cleanup := setupTracker(t)
	defer cleanup()

	base := time.Now().Add(-21 * 24 * time.Hour)
	for i := 0; i < 4; i++ {
		addSnapshotAt(t, db, "alice", "work", []float64{0.6},
			base.Add(time.Duration(i)*7*24*time.Hour))
	}

	trend, err := tr.Trend("alice", "work", 0)
	if err != nil {
		t.Fatalf("Trend failed: %v", err)
	}
	if trend.Direction != types.TrendStable {
		t.Errorf("Direction = %v, want stable", trend.Direction)
	}
}

// TestTrendInsufficientData verifies too few snapshots refuse to guess.
func TestTrendInsufficientData(t *testing.T) {
	tr, db, cleanup := setupTracker(t)
	defer cleanup()

	addSnapshotAt(t, db, "alice", "alone", []float64{0.5}, time.Now().Add(-time.Hour))
	addSnapshotAt(t, db, "alice", "alone", []float64{0.6}, time.Now())

	_, err := tr.Trend("alice", "alone", 0)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

// TestTrendMinPointsFloor verifies a misconfigured minimum cannot lower
// the three-snapshot floor.
func TestTrendMinPointsFloor(t *testing.T) {
	_, db, cleanup := setupTracker(t)
	defer cleanup()

	tr := New(db, config.TemporalConfig{MinTrendPoints: 1})
	addSnapshotAt(t, db, "alice", "alone", []float64{0.5}, time.Now().Add(-time.Hour))
	addSnapshotAt(t, db, "alice", "alone", []float64{0.9}, time.Now())

	_, err := tr.Trend("alice", "alone", 0)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Errorf("Two snapshots produced a trend with min_trend_points=1: %v", err)
	}
}

// TestDecayHalvesAtHalfLife verifies confidence halves after one half-life
// of disuse and never sinks below the floor.
func TestDecayHalvesAtHalfLife(t *testing.T) {
	tr, _, cleanup := setupTracker(t)
	defer cleanup()
	now := time.Now()

	f := &types.Fact{
		Type:       types.FactPreference,
		Confidence: 0.8,
		LastAccess: now.Add(-30 * 24 * time.Hour),
	}
	got := tr.EffectiveConfidence(f, now)
	if math.Abs(got-0.4) > 0.001 {
		t.Errorf("After one half-life: %v, want 0.4", got)
	}

	ancient := &types.Fact{
		Type:       types.FactPreference,
		Confidence: 0.8,
		LastAccess: now.Add(-10 * 365 * 24 * time.Hour),
	}
	if got := tr.EffectiveConfidence(ancient, now); got != 0.1 {
		t.Errorf("Floor not applied: %v, want 0.1", got)
	}
}

// TestDecayExemptions verifies identity and curated facts never decay.
func TestDecayExemptions(t *testing.T) {
	tr, _, cleanup := setupTracker(t)
	defer cleanup()
	now := time.Now()
	ancient := now.Add(-365 * 24 * time.Hour)

	identity := &types.Fact{Type: types.FactIdentity, Confidence: 0.95, LastAccess: ancient}
	if got := tr.EffectiveConfidence(identity, now); got != 0.95 {
		t.Errorf("Identity fact decayed: %v", got)
	}

	curated := &types.Fact{Type: types.FactPreference, UserCurated: true, Confidence: 1.0, LastAccess: ancient}
	if got := tr.EffectiveConfidence(curated, now); got != 1.0 {
		t.Errorf("Curated fact decayed: %v", got)
	}

	fresh := &types.Fact{Type: types.FactPreference, Confidence: 0.7, LastAccess: now}
	if got := tr.EffectiveConfidence(fresh, now); got != 0.7 {
		t.Errorf("Fresh fact decayed: %v", got)
	}

	immutable := &types.Fact{Type: types.FactTemporal, Immutable: true, Confidence: 0.95, LastAccess: ancient}
	if got := tr.EffectiveConfidence(immutable, now); got != 0.95 {
		t.Errorf("Immutable fact decayed: %v", got)
	}
}

// TestApplyDecayLeavesImmutableStored verifies persisted decay never lowers
// an immutable fact's stored confidence in place; only supersession may.
func TestApplyDecayLeavesImmutableStored(t *testing.T) {
	tr, db, cleanup := setupTracker(t)
	defer cleanup()
	now := time.Now()
	stale := now.Add(-60 * 24 * time.Hour)

	immutable := &types.Fact{
		ID:         "fact-immutable",
		UserID:     "alice",
		Content:    "Moved to Lisbon in March",
		Type:       types.FactTemporal,
		Immutable:  true,
		Confidence: 0.95,
		LastAccess: stale,
	}
	mutable := &types.Fact{
		ID:         "fact-mutable",
		UserID:     "alice",
		Content:    "Likes hiking on weekends",
		Type:       types.FactPreference,
		Confidence: 0.8,
		LastAccess: stale,
	}
	for _, f := range []*types.Fact{immutable, mutable} {
		if err := db.InsertFact(f); err != nil {
			t.Fatalf("InsertFact failed: %v", err)
		}
	}

	n, err := tr.ApplyDecay("alice", now)
	if err != nil {
		t.Fatalf("ApplyDecay failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Decayed %d facts, want 1 (mutable only)", n)
	}

	got, err := db.GetFact("fact-immutable")
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if got.Confidence != 0.95 {
		t.Errorf("Immutable confidence = %v, want 0.95 untouched", got.Confidence)
	}

	got, err = db.GetFact("fact-mutable")
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if got.Confidence >= 0.8 {
		t.Errorf("Mutable confidence = %v, want decayed below 0.8", got.Confidence)
	}
}
