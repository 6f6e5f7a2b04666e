package store

import (
	"context"
	"fmt"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/resolve"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Embedder is the embedding collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Resolver is the conflict-classification collaborator.
type Resolver interface {
	Resolve(ctx context.Context, cand types.CandidateFact, similar []*types.Fact) (resolve.Decision, error)
}

// Store is the conflict-resolution layer over the raw DB. Every candidate
// fact — live traffic and consolidation replay alike — goes through
// StoreCandidate, so the invariants hold on a single code path.
type Store struct {
	db       *DB
	embedder Embedder
	resolver Resolver
	cfg      config.StoreConfig
	locks    *userLocks
}

// New creates the fact store.
func New(db *DB, embedder Embedder, resolver Resolver, cfg config.StoreConfig) *Store {
	return &Store{
		db:       db,
		embedder: embedder,
		resolver: resolver,
		cfg:      cfg,
		locks:    newUserLocks(),
	}
}

// DB exposes the raw layer for components that only read or that own their
// tables (temporal tracker, replay, consolidation state).
func (s *Store) DB() *DB {
	return s.db
}

// StoreCandidate routes one candidate fact through conflict resolution.
//
// The confidence floor is a local veto: a candidate below it is Noop before
// any collaborator is consulted, and no classifier verdict can override
// that. Immutable facts are never updated in place — UPDATE against one
// becomes a supersede, DELETE against one is an invariant violation.
func (s *Store) StoreCandidate(ctx context.Context, cand types.CandidateFact) (types.FactOperation, error) {
	if cand.UserID == "" || cand.Content == "" {
		return types.Noop, fmt.Errorf("candidate needs user_id and content")
	}

	// Local veto: below the storage floor nothing is written, full stop.
	if !cand.UserCurated && cand.Confidence < s.cfg.MinStoreConfidence {
		logging.Debug("store", "veto: confidence %.2f below floor %.2f for %q",
			cand.Confidence, s.cfg.MinStoreConfidence, logging.Truncate(cand.Content, 50))
		return types.Noop, nil
	}

	emb, err := s.embedder.Embed(ctx, cand.Content)
	if err != nil {
		return types.Noop, fmt.Errorf("embed candidate: %w", err)
	}

	release, err := s.locks.Acquire(ctx, cand.UserID, s.cfg.LockTimeout())
	if err != nil {
		return types.Noop, err
	}
	defer release()

	similar, err := s.db.SimilarFacts(cand.UserID, emb, s.cfg.SimilarK, s.cfg.SimilarityThreshold)
	if err != nil {
		return types.Noop, fmt.Errorf("similarity lookup: %w", err)
	}

	if len(similar) == 0 {
		f := s.factFromCandidate(cand, emb)
		if err := s.db.InsertFact(f); err != nil {
			return types.Noop, err
		}
		logging.Info("store", "added fact %s (%s, %.2f): %s",
			f.ID, f.Type, f.Confidence, logging.Truncate(f.Content, 60))
		return types.FactOperation{Kind: types.OpAdded, FactID: f.ID}, nil
	}

	facts := make([]*types.Fact, len(similar))
	for i, sf := range similar {
		facts[i] = sf.Fact
	}

	dec, err := s.resolver.Resolve(ctx, cand, facts)
	if err != nil {
		return types.Noop, err
	}

	switch dec.Op {
	case resolve.OpNoop:
		return types.Noop, nil

	case resolve.OpAdd:
		return s.applyAdd(cand, emb, similar)

	case resolve.OpUpdate:
		target, err := s.db.GetFact(dec.TargetID)
		if err != nil {
			return types.Noop, fmt.Errorf("update target: %w", err)
		}
		return s.applyUpdate(cand, emb, target, dec.Merge)

	case resolve.OpDelete:
		target, err := s.db.GetFact(dec.TargetID)
		if err != nil {
			return types.Noop, fmt.Errorf("delete target: %w", err)
		}
		return s.applyDelete(cand, target)

	default:
		return types.Noop, fmt.Errorf("unhandled resolution op %v", dec.Op)
	}
}

// applyAdd inserts the candidate as a new variant alongside its similar
// facts, records relates_to edges, and enforces the per-cluster cap.
func (s *Store) applyAdd(cand types.CandidateFact, emb []float64, similar []SimilarFact) (types.FactOperation, error) {
	f := s.factFromCandidate(cand, emb)

	// Cluster with the nearest neighbor above the variant threshold; the
	// anchor is that fact's cluster, or the fact itself if unclustered.
	for _, sf := range similar {
		if sf.Similarity >= s.cfg.VariantThreshold {
			anchor := sf.Fact.ClusterID
			if anchor == "" {
				anchor = sf.Fact.ID
			}
			f.ClusterID = anchor
			if sf.Fact.ClusterID == "" {
				sf.Fact.ClusterID = anchor
				if err := s.db.UpdateFact(sf.Fact); err != nil {
					logging.Warn("store", "anchor cluster assignment for %s: %v", sf.Fact.ID, err)
				}
			}
			break
		}
	}

	if err := s.db.InsertFact(f); err != nil {
		return types.Noop, err
	}
	for _, sf := range similar {
		if err := s.db.AddRelationship(f.ID, sf.Fact.ID, types.RelRelatesTo, sf.Similarity); err != nil {
			logging.Warn("store", "relates_to edge %s -> %s: %v", f.ID, sf.Fact.ID, err)
		}
	}

	if f.ClusterID != "" {
		if err := s.enforceVariantCap(f.ClusterID); err != nil {
			logging.Warn("store", "variant cap enforcement: %v", err)
		}
	}

	logging.Info("store", "added variant fact %s (cluster=%s): %s",
		f.ID, f.ClusterID, logging.Truncate(f.Content, 60))
	return types.FactOperation{Kind: types.OpAdded, FactID: f.ID}, nil
}

// applyUpdate merges the candidate into the target, or supersedes the
// target when it is immutable.
func (s *Store) applyUpdate(cand types.CandidateFact, emb []float64, target *types.Fact, strategy resolve.MergeStrategy) (types.FactOperation, error) {
	if target.Immutable || target.UserCurated {
		return s.supersede(cand, emb, target)
	}

	// A curated candidate is the user's explicit word: it replaces the
	// target outright and the result carries the curated contract, no
	// matter what merge the classifier suggested.
	if cand.UserCurated {
		strategy = resolve.MergeReplace
	}

	merged := mergeFact(target, cand, strategy)
	if cand.UserCurated {
		merged.UserCurated = true
		merged.Confidence = 1.0
	}

	// Confidence monotonicity: a merge can never sink a stored fact below
	// the storage floor.
	if merged.Confidence < s.cfg.MinStoreConfidence {
		return types.Noop, &types.InvariantViolationError{
			FactID: target.ID,
			Reason: fmt.Sprintf("merge would drop confidence to %.2f, below floor %.2f", merged.Confidence, s.cfg.MinStoreConfidence),
		}
	}

	merged.Embedding = emb
	merged.Version = target.Version + 1
	merged.Immutable = s.immutableFor(merged.Type, merged.Confidence, merged.UserCurated)

	if err := s.db.UpdateFact(merged); err != nil {
		return types.Noop, err
	}
	logging.Info("store", "updated fact %s via %s merge (%.2f -> %.2f)",
		target.ID, strategy, target.Confidence, merged.Confidence)
	return types.FactOperation{Kind: types.OpUpdated, FactID: target.ID}, nil
}

// supersede inserts the candidate as a new fact and links the old one to it.
// The old row's content and confidence stay untouched.
func (s *Store) supersede(cand types.CandidateFact, emb []float64, target *types.Fact) (types.FactOperation, error) {
	f := s.factFromCandidate(cand, emb)
	f.ClusterID = target.ClusterID
	if err := s.db.InsertFact(f); err != nil {
		return types.Noop, err
	}
	if err := s.db.MarkSuperseded(target.ID, f.ID); err != nil {
		return types.Noop, err
	}
	s.db.AddRelationship(f.ID, target.ID, types.RelContradicts, cand.Confidence)

	logging.Info("store", "superseded immutable fact %s with %s", target.ID, f.ID)
	return types.FactOperation{Kind: types.OpUpdated, FactID: f.ID}, nil
}

// applyDelete removes the target unless that would break immutability.
func (s *Store) applyDelete(cand types.CandidateFact, target *types.Fact) (types.FactOperation, error) {
	if target.Immutable || target.UserCurated {
		return types.Noop, &types.InvariantViolationError{
			FactID: target.ID,
			Reason: "classifier requested DELETE of an immutable fact",
		}
	}
	if err := s.db.DeleteFact(target.ID); err != nil {
		return types.Noop, err
	}
	logging.Info("store", "deleted fact %s contradicted by %q",
		target.ID, logging.Truncate(cand.Content, 50))
	return types.FactOperation{Kind: types.OpDeleted, FactID: target.ID}, nil
}

// factFromCandidate builds the durable fact, applying curation and
// immutability policy.
func (s *Store) factFromCandidate(cand types.CandidateFact, emb []float64) *types.Fact {
	confidence := cand.Confidence
	if cand.UserCurated {
		confidence = 1.0
	}
	validFrom := cand.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now()
	}
	return &types.Fact{
		UserID:               cand.UserID,
		Content:              cand.Content,
		Type:                 cand.Type,
		Category:             cand.Category,
		Confidence:           confidence,
		Immutable:            s.immutableFor(cand.Type, confidence, cand.UserCurated),
		UserCurated:          cand.UserCurated,
		ValidFrom:            validFrom,
		ValidUntil:           cand.ValidUntil,
		Entities:             cand.Entities,
		SourceConversationID: cand.SourceConversationID,
		ExtractionMethod:     cand.ExtractionMethod,
		Embedding:            emb,
	}
}

func (s *Store) immutableFor(ft types.FactType, confidence float64, userCurated bool) bool {
	if userCurated {
		return true
	}
	if ft == types.FactIdentity || ft == types.FactTemporal {
		return confidence >= s.cfg.ImmutableConfidence
	}
	return false
}

// mergeFact combines target and candidate per the merge strategy.
func mergeFact(target *types.Fact, cand types.CandidateFact, strategy resolve.MergeStrategy) *types.Fact {
	merged := *target
	switch strategy {
	case resolve.MergeKeepMax:
		if cand.Confidence > target.Confidence {
			merged.Content = cand.Content
			merged.Confidence = cand.Confidence
		}
	case resolve.MergeReplace:
		merged.Content = cand.Content
		merged.Confidence = cand.Confidence
		merged.Category = cand.Category
		merged.ValidFrom = cand.ValidFrom
		merged.ValidUntil = cand.ValidUntil
	default: // confidence-weighted average
		total := target.Confidence + cand.Confidence
		if total > 0 {
			merged.Confidence = (target.Confidence*target.Confidence + cand.Confidence*cand.Confidence) / total
		}
		// The better-attested wording wins; confidence is the blend.
		if cand.Confidence > target.Confidence {
			merged.Content = cand.Content
		}
	}
	if len(cand.Entities) > 0 {
		merged.Entities = cand.Entities
	}
	return &merged
}
