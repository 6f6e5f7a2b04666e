package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/resolve"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// fakeEmbedder maps known texts to fixed vectors so similarity is fully
// scripted. Unknown texts get an orthogonal default.
type fakeEmbedder struct {
	vecs  map[string][]float64
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.calls++
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return []float64{0, 0, 0, 1}, nil
}

// fakeResolver returns a scripted decision, recording what it saw.
type fakeResolver struct {
	decision resolve.Decision
	err      error
	calls    int
	lastSeen []*types.Fact
}

func (f *fakeResolver) Resolve(_ context.Context, _ types.CandidateFact, similar []*types.Fact) (resolve.Decision, error) {
	f.calls++
	f.lastSeen = similar
	return f.decision, f.err
}

func testStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		SimilarK:            5,
		SimilarityThreshold: 0.92,
		MinStoreConfidence:  0.3,
		ImmutableConfidence: 0.9,
		VariantThreshold:    0.85,
		VariantCap:          3,
		LockTimeoutMillis:   500,
	}
}

// setupTestStore creates a store over a temp database with scripted
// collaborators.
func setupTestStore(t *testing.T, emb *fakeEmbedder, res *fakeResolver) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "store-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	s := New(db, emb, res, testStoreConfig())
	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return s, cleanup
}

// TestStoreNewFact verifies a candidate with no similar facts lands as ADD
// without consulting the classifier.
func TestStoreNewFact(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Loves hiking in the mountains",
		Type:       types.FactPreference,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpAdded {
		t.Errorf("Expected OpAdded, got %v", op.Kind)
	}
	if res.calls != 0 {
		t.Errorf("Classifier consulted with no similar facts (%d calls)", res.calls)
	}

	f, err := s.DB().GetFact(op.FactID)
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if f.Confidence != 0.8 || f.Type != types.FactPreference {
		t.Errorf("Stored fact mismatch: %+v", f)
	}
}

// TestConfidenceVeto verifies the local floor rejects low-confidence
// candidates before any collaborator runs.
func TestConfidenceVeto(t *testing.T) {
	emb := &fakeEmbedder{}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Might like jazz, maybe",
		Type:       types.FactPreference,
		Confidence: 0.2,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpNoop {
		t.Errorf("Expected Noop, got %v", op.Kind)
	}
	if emb.calls != 0 || res.calls != 0 {
		t.Errorf("Collaborators consulted despite veto (embed=%d, resolve=%d)", emb.calls, res.calls)
	}
}

// TestCuratedBypassesVeto verifies user-curated candidates skip the floor
// and store at full confidence.
func TestCuratedBypassesVeto(t *testing.T) {
	emb := &fakeEmbedder{}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:      "alice",
		Content:     "My name is Alice",
		Type:        types.FactIdentity,
		Confidence:  0.1,
		UserCurated: true,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	f, err := s.DB().GetFact(op.FactID)
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if f.Confidence != 1.0 {
		t.Errorf("Curated fact confidence = %v, want 1.0", f.Confidence)
	}
	if !f.Immutable || !f.UserCurated {
		t.Errorf("Curated fact should be immutable and curated: %+v", f)
	}
}

// base vector shared by "similar" texts; cosine similarity between v and
// almostV is ~0.999, well above both thresholds.
var (
	v       = []float64{1, 0, 0, 0}
	almostV = []float64{0.999, 0.0447, 0, 0}
)

func seedFact(t *testing.T, s *Store, emb *fakeEmbedder, res *fakeResolver, cand types.CandidateFact) *types.Fact {
	t.Helper()
	op, err := s.StoreCandidate(context.Background(), cand)
	if err != nil {
		t.Fatalf("seed fact: %v", err)
	}
	f, err := s.DB().GetFact(op.FactID)
	if err != nil {
		t.Fatalf("load seed fact: %v", err)
	}
	return f
}

// TestUpdateWeightedMerge verifies an UPDATE decision merges confidence by
// weighted average and keeps the higher-confidence wording.
func TestUpdateWeightedMerge(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Drinks coffee every morning": v,
		"Drinks two coffees a day":    almostV,
	}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	orig := seedFact(t, s, emb, res, types.CandidateFact{
		UserID:     "alice",
		Content:    "Drinks coffee every morning",
		Type:       types.FactPreference,
		Confidence: 0.6,
	})

	res.decision = resolve.Decision{Op: resolve.OpUpdate, Merge: resolve.MergeWeightedAverage, TargetID: orig.ID}
	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Drinks two coffees a day",
		Type:       types.FactPreference,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpUpdated || op.FactID != orig.ID {
		t.Fatalf("Expected update of %s, got %v %s", orig.ID, op.Kind, op.FactID)
	}

	f, _ := s.DB().GetFact(orig.ID)
	want := (0.6*0.6 + 0.8*0.8) / (0.6 + 0.8)
	if diff := f.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Merged confidence = %v, want %v", f.Confidence, want)
	}
	if f.Content != "Drinks two coffees a day" {
		t.Errorf("Higher-confidence wording should win, got %q", f.Content)
	}
	if f.Version != orig.Version+1 {
		t.Errorf("Version = %d, want %d", f.Version, orig.Version+1)
	}
}

// TestImmutableSupersede verifies UPDATE against an immutable fact creates
// a new fact and back-links the old one instead of editing in place.
func TestImmutableSupersede(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Works as a nurse":     v,
		"Works as a paramedic": almostV,
	}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	orig := seedFact(t, s, emb, res, types.CandidateFact{
		UserID:     "alice",
		Content:    "Works as a nurse",
		Type:       types.FactIdentity,
		Confidence: 0.95, // at or above the immutability bar
	})
	if !orig.Immutable {
		t.Fatalf("Seed fact should be immutable")
	}

	res.decision = resolve.Decision{Op: resolve.OpUpdate, Merge: resolve.MergeReplace, TargetID: orig.ID}
	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Works as a paramedic",
		Type:       types.FactIdentity,
		Confidence: 0.95,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpUpdated || op.FactID == orig.ID {
		t.Fatalf("Expected supersede with new fact ID, got %v %s", op.Kind, op.FactID)
	}

	old, _ := s.DB().GetFact(orig.ID)
	if old.SupersededBy != op.FactID {
		t.Errorf("Old fact superseded_by = %q, want %q", old.SupersededBy, op.FactID)
	}
	if old.Content != "Works as a nurse" || old.Confidence != orig.Confidence {
		t.Errorf("Superseded fact must stay untouched: %+v", old)
	}

	// Superseded facts disappear from similarity retrieval.
	similar, err := s.DB().SimilarFacts("alice", v, 5, 0.5)
	if err != nil {
		t.Fatalf("SimilarFacts failed: %v", err)
	}
	for _, sf := range similar {
		if sf.Fact.ID == orig.ID {
			t.Errorf("Superseded fact still retrievable")
		}
	}
}

// TestDeleteImmutableRejected verifies DELETE against an immutable fact is
// an invariant violation and leaves the fact in place.
func TestDeleteImmutableRejected(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Born in 1990":      v,
		"Was never born ok": almostV,
	}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	orig := seedFact(t, s, emb, res, types.CandidateFact{
		UserID:     "alice",
		Content:    "Born in 1990",
		Type:       types.FactIdentity,
		Confidence: 0.95,
	})

	res.decision = resolve.Decision{Op: resolve.OpDelete, TargetID: orig.ID}
	_, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Was never born ok",
		Type:       types.FactIdentity,
		Confidence: 0.9,
	})
	if !types.IsInvariantViolation(err) {
		t.Fatalf("Expected invariant violation, got %v", err)
	}
	if _, err := s.DB().GetFact(orig.ID); err != nil {
		t.Errorf("Immutable fact should survive rejected delete: %v", err)
	}
}

// TestDeleteMutable verifies DELETE removes a plain fact.
func TestDeleteMutable(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Likes oat milk lattes": v,
		"Stopped drinking milk": almostV,
	}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	orig := seedFact(t, s, emb, res, types.CandidateFact{
		UserID:     "alice",
		Content:    "Likes oat milk lattes",
		Type:       types.FactPreference,
		Confidence: 0.7,
	})

	res.decision = resolve.Decision{Op: resolve.OpDelete, TargetID: orig.ID}
	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Stopped drinking milk",
		Type:       types.FactPreference,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpDeleted || op.FactID != orig.ID {
		t.Fatalf("Expected delete of %s, got %v %s", orig.ID, op.Kind, op.FactID)
	}
	if _, err := s.DB().GetFact(orig.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Deleted fact still present: %v", err)
	}
}

// TestNoopLeavesStoreUnchanged verifies a NOOP decision writes nothing.
func TestNoopLeavesStoreUnchanged(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Has a cat named Miso":   v,
		"Owns a cat called Miso": almostV,
	}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	seedFact(t, s, emb, res, types.CandidateFact{
		UserID:     "alice",
		Content:    "Has a cat named Miso",
		Type:       types.FactRelation,
		Confidence: 0.8,
	})

	res.decision = resolve.Decision{Op: resolve.OpNoop}
	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:     "alice",
		Content:    "Owns a cat called Miso",
		Type:       types.FactRelation,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpNoop {
		t.Errorf("Expected Noop, got %v", op.Kind)
	}

	counts, _ := s.DB().FactCounts("alice")
	if counts[types.FactRelation] != 1 {
		t.Errorf("Fact count = %d, want 1", counts[types.FactRelation])
	}
}

// TestVariantCap verifies a cluster never holds more than VariantCap live
// facts: the lowest-confidence variant is evicted.
func TestVariantCap(t *testing.T) {
	texts := map[string][]float64{
		"Enjoys sci-fi novels":       {1, 0, 0, 0},
		"Loves science fiction":      {0.999, 0.0447, 0, 0},
		"Reads a lot of sci-fi":      {0.998, 0.0632, 0, 0},
		"Big fan of space operas":    {0.997, 0.0774, 0, 0},
		"Collects sci-fi paperbacks": {0.996, 0.0893, 0, 0},
	}
	emb := &fakeEmbedder{vecs: texts}
	res := &fakeResolver{decision: resolve.Decision{Op: resolve.OpAdd}}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	order := []struct {
		text string
		conf float64
	}{
		{"Enjoys sci-fi novels", 0.5}, // weakest, gets evicted
		{"Loves science fiction", 0.7},
		{"Reads a lot of sci-fi", 0.8},
		{"Big fan of space operas", 0.9},
	}
	var anchor string
	for i, c := range order {
		op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
			UserID:     "alice",
			Content:    c.text,
			Type:       types.FactPreference,
			Confidence: c.conf,
		})
		if err != nil {
			t.Fatalf("StoreCandidate %d failed: %v", i, err)
		}
		if i == 0 {
			anchor = op.FactID
		}
	}

	variants, err := s.DB().ClusterVariants(anchor)
	if err != nil {
		t.Fatalf("ClusterVariants failed: %v", err)
	}
	if len(variants) > 3 {
		t.Fatalf("Cluster holds %d variants, cap is 3", len(variants))
	}
	for _, f := range variants {
		if f.Content == "Enjoys sci-fi novels" {
			t.Errorf("Lowest-confidence variant should have been evicted")
		}
	}
}

// TestVariantCapSparesImmutable verifies eviction never deletes an
// immutable or curated cluster member even when it holds the lowest
// confidence; the next-weakest mutable variant goes instead.
func TestVariantCapSparesImmutable(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	members := []*types.Fact{
		{ID: "v-immutable", Content: "Started at the hospital in May", Confidence: 0.50, Immutable: true},
		{ID: "v-weak", Content: "Works long shifts", Confidence: 0.60},
		{ID: "v-mid", Content: "Works in healthcare", Confidence: 0.80},
		{ID: "v-strong", Content: "Is a nurse", Confidence: 0.95},
	}
	for _, f := range members {
		f.UserID = "alice"
		f.Type = types.FactTemporal
		f.ClusterID = "v-immutable"
		if err := s.DB().InsertFact(f); err != nil {
			t.Fatalf("InsertFact failed: %v", err)
		}
	}

	if err := s.enforceVariantCap("v-immutable"); err != nil {
		t.Fatalf("enforceVariantCap failed: %v", err)
	}

	if _, err := s.DB().GetFact("v-immutable"); err != nil {
		t.Errorf("Immutable variant evicted despite lowest confidence: %v", err)
	}
	if _, err := s.DB().GetFact("v-weak"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Weakest mutable variant should have been evicted, got %v", err)
	}

	variants, err := s.DB().ClusterVariants("v-immutable")
	if err != nil {
		t.Fatalf("ClusterVariants failed: %v", err)
	}
	if len(variants) != 3 {
		t.Errorf("Cluster holds %d variants, want 3", len(variants))
	}
}

// TestVariantCapAllProtected verifies a cluster of nothing but protected
// members stays over cap rather than losing an immutable fact.
func TestVariantCapAllProtected(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	for i, id := range []string{"p-1", "p-2", "p-3", "p-4"} {
		if err := s.DB().InsertFact(&types.Fact{
			ID:         id,
			UserID:     "alice",
			Content:    "Curated variant",
			Type:       types.FactIdentity,
			Confidence: 0.9 + 0.01*float64(i),
			Immutable:  true,
			ClusterID:  "p-1",
		}); err != nil {
			t.Fatalf("InsertFact failed: %v", err)
		}
	}

	if err := s.enforceVariantCap("p-1"); err != nil {
		t.Fatalf("enforceVariantCap failed: %v", err)
	}
	variants, err := s.DB().ClusterVariants("p-1")
	if err != nil {
		t.Fatalf("ClusterVariants failed: %v", err)
	}
	if len(variants) != 4 {
		t.Errorf("Protected cluster shrank to %d members", len(variants))
	}
}

// TestPurgeStaleVariantsSparesProtected verifies the stale-variant sweep
// deletes only mutable, uncurated members.
func TestPurgeStaleVariantsSparesProtected(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	stale := time.Now().Add(-120 * 24 * time.Hour)
	members := []*types.Fact{
		{ID: "s-immutable", Content: "Met Sam at the conference", Immutable: true},
		{ID: "s-curated", Content: "Sam is my brother", UserCurated: true},
		{ID: "s-mutable", Content: "Knows someone called Sam"},
		{ID: "s-fresh", Content: "Sam visits on Sundays"},
	}
	for _, f := range members {
		f.UserID = "alice"
		f.Type = types.FactRelation
		f.Confidence = 0.7
		f.ClusterID = "s-immutable"
		f.LastAccess = stale
		if f.ID == "s-fresh" {
			f.LastAccess = time.Now()
		}
		if err := s.DB().InsertFact(f); err != nil {
			t.Fatalf("InsertFact failed: %v", err)
		}
	}

	purged, err := s.PurgeStaleVariants("alice", 90*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeStaleVariants failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Purged %d variants, want 1 (mutable stale only)", purged)
	}
	for _, id := range []string{"s-immutable", "s-curated", "s-fresh"} {
		if _, err := s.DB().GetFact(id); err != nil {
			t.Errorf("Protected variant %s purged: %v", id, err)
		}
	}
	if _, err := s.DB().GetFact("s-mutable"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Stale mutable variant survived the sweep: %v", err)
	}
}

// TestCuratedUpdateKeepsContract verifies a curated candidate classified
// as UPDATE of a mutable fact replaces it and the result stays curated,
// immutable, at full confidence.
func TestCuratedUpdateKeepsContract(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"Probably vegetarian": v,
		"I am vegetarian":     almostV,
	}}
	res := &fakeResolver{}
	s, cleanup := setupTestStore(t, emb, res)
	defer cleanup()

	target := seedFact(t, s, emb, res, types.CandidateFact{
		UserID:     "alice",
		Content:    "Probably vegetarian",
		Type:       types.FactPreference,
		Confidence: 0.6,
	})

	res.decision = resolve.Decision{Op: resolve.OpUpdate, TargetID: target.ID, Merge: resolve.MergeWeightedAverage}
	op, err := s.StoreCandidate(context.Background(), types.CandidateFact{
		UserID:           "alice",
		Content:          "I am vegetarian",
		Type:             types.FactPreference,
		Confidence:       1.0,
		UserCurated:      true,
		ExtractionMethod: "user_curated",
	})
	if err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}
	if op.Kind != types.OpUpdated {
		t.Fatalf("Expected OpUpdated, got %v", op.Kind)
	}

	got, err := s.DB().GetFact(target.ID)
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if got.Content != "I am vegetarian" {
		t.Errorf("Content = %q, want the curated wording", got.Content)
	}
	if !got.UserCurated || !got.Immutable || got.Confidence != 1.0 {
		t.Errorf("Curated contract lost: curated=%v immutable=%v confidence=%v",
			got.UserCurated, got.Immutable, got.Confidence)
	}
}
