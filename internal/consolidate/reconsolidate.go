package consolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/replay"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/temporal"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// CandidateExtractor turns raw text into candidate facts.
type CandidateExtractor interface {
	Candidates(ctx context.Context, userID, conversationID, text string) ([]types.CandidateFact, error)
}

// Worker reconsolidates one user: replayed experiences are re-extracted
// and routed through the same conflict pipeline live writes use, so a
// memory revisited during consolidation can update or supersede what it
// first produced.
type Worker struct {
	facts     *store.Store
	extractor CandidateExtractor
	replay    *replay.Builder
	temporal  *temporal.Tracker
	cfg       config.ConsolidateConfig
	replayCfg config.ReplayConfig
}

// NewWorker creates a reconsolidation worker. temporal may be nil to skip
// the decay pass.
func NewWorker(facts *store.Store, extractor CandidateExtractor, rb *replay.Builder,
	tt *temporal.Tracker, cfg config.ConsolidateConfig, replayCfg config.ReplayConfig) *Worker {
	return &Worker{facts: facts, extractor: extractor, replay: rb, temporal: tt, cfg: cfg, replayCfg: replayCfg}
}

// Result summarizes one user's consolidation pass.
type Result struct {
	ExperiencesProcessed int
	FactsWritten         int
	CandidatesDeferred   int
	VariantsPurged       int
	FactsDecayed         int
}

// Run consolidates one user. Work is checkpointed per experience: each
// processed experience is marked immediately, so a timeout or cancel
// keeps everything done so far. Candidates that fail on a collaborator
// outage are persisted and retried next cycle.
func (w *Worker) Run(ctx context.Context, userID string) (*Result, error) {
	res := &Result{}

	// Deferred candidates from earlier interrupted runs go first.
	deferred, err := w.facts.DB().TakeDeferredCandidates(userID)
	if err != nil {
		return res, fmt.Errorf("take deferred: %w", err)
	}
	for _, cand := range deferred {
		if err := ctx.Err(); err != nil {
			// Put the rest back before yielding.
			w.facts.DB().DeferCandidate(cand)
			continue
		}
		w.storeCandidate(ctx, cand, res)
	}

	pending, err := w.facts.DB().UnconsolidatedExperiences(userID, w.replayCfg.MaxExperiences*2)
	if err != nil {
		return res, fmt.Errorf("load experiences: %w", err)
	}
	batch := w.replay.Batch(pending, w.replayCfg.MaxExperiences)

	for _, exp := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := w.consolidateExperience(ctx, exp, res); err != nil {
			return res, err
		}
	}

	purged, err := w.facts.PurgeStaleVariants(userID, time.Duration(w.cfg.VariantPurgeDays)*24*time.Hour)
	if err != nil {
		logging.Warn("consolidate", "variant purge for %s: %v", userID, err)
	}
	res.VariantsPurged = purged

	if w.temporal != nil {
		decayed, err := w.temporal.ApplyDecay(userID, time.Now())
		if err != nil {
			logging.Warn("consolidate", "decay pass for %s: %v", userID, err)
		}
		res.FactsDecayed = decayed
	}

	logging.Info("consolidate", "user %s: %d experiences, %d facts, %d deferred, %d purged, %d decayed",
		userID, res.ExperiencesProcessed, res.FactsWritten, res.CandidatesDeferred, res.VariantsPurged, res.FactsDecayed)
	return res, nil
}

func (w *Worker) consolidateExperience(ctx context.Context, exp *types.Experience, res *Result) error {
	cands, err := w.extractor.Candidates(ctx, exp.UserID, exp.ConversationID, exp.Content)
	if err != nil {
		if errors.Is(err, types.ErrDependencyUnavailable) || errors.Is(err, types.ErrDependencyTimeout) {
			// Extraction needs the collaborator; leave the experience
			// pending and keep going in case the outage is per-call.
			logging.Warn("consolidate", "extraction unavailable for experience %s: %v", exp.ID, err)
			return nil
		}
		return fmt.Errorf("extract experience %s: %w", exp.ID, err)
	}

	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.storeCandidate(ctx, cand, res)
	}

	if err := w.facts.DB().MarkConsolidated(exp.ID); err != nil {
		return fmt.Errorf("mark consolidated %s: %w", exp.ID, err)
	}
	res.ExperiencesProcessed++
	return nil
}

// storeCandidate routes one candidate through conflict resolution.
// Collaborator outages defer the candidate rather than dropping it;
// invariant violations are final and just logged.
func (w *Worker) storeCandidate(ctx context.Context, cand types.CandidateFact, res *Result) {
	op, err := w.facts.StoreCandidate(ctx, cand)
	switch {
	case err == nil:
		if op.Kind != types.OpNoop {
			res.FactsWritten++
		}
	case errors.Is(err, types.ErrDependencyUnavailable),
		errors.Is(err, types.ErrDependencyTimeout),
		errors.Is(err, types.ErrConcurrentWriteConflict):
		if deferErr := w.facts.DB().DeferCandidate(cand); deferErr != nil {
			logging.Warn("consolidate", "defer candidate failed: %v", deferErr)
			return
		}
		res.CandidatesDeferred++
	case types.IsInvariantViolation(err):
		logging.Info("consolidate", "candidate rejected: %v", err)
	default:
		logging.Warn("consolidate", "store candidate: %v", err)
	}
}
