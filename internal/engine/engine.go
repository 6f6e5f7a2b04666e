// Package engine is the top-level memory engine: it ties the session
// cache, the durable fact store, extraction, and context assembly behind
// one surface the server exposes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keepsake-ai/keepsake/internal/assemble"
	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/extract"
	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/session"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Engine coordinates the two memory tiers.
type Engine struct {
	sessions  session.Store
	facts     *store.Store
	extractor *extract.Extractor
	assembler *assemble.Assembler
	cfg       *config.Config

	// Tracks in-flight background extractions so Close (and tests) can
	// wait for them.
	extractWG sync.WaitGroup

	// Background-degradation signal: failed journal/extraction/fact writes
	// are counted here and surfaced through Stats so the orchestrator can
	// observe memory quality degrading instead of reading server logs.
	degradeMu     sync.Mutex
	degradedCount int
	lastDegraded  string
	lastDegradeAt time.Time
}

// New creates the engine over already-constructed tiers.
func New(sessions session.Store, facts *store.Store, extractor *extract.Extractor,
	assembler *assemble.Assembler, cfg *config.Config) *Engine {
	return &Engine{
		sessions:  sessions,
		facts:     facts,
		extractor: extractor,
		assembler: assembler,
		cfg:       cfg,
	}
}

// StoreMessage records a conversation turn. The session write is the only
// part the caller waits on; journaling and fact extraction are best-effort
// background work, and their failures degrade memory quality without ever
// failing the conversation.
func (e *Engine) StoreMessage(ctx context.Context, userID string, msg types.SessionMessage) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("conversation_id required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := e.sessions.Append(ctx, msg); err != nil {
		return fmt.Errorf("session append: %w", err)
	}

	// Only user turns carry facts about the user.
	if msg.Role != "user" {
		return nil
	}

	if err := e.facts.DB().AddExperience(&types.Experience{
		UserID:         userID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Importance:     0.5,
	}); err != nil {
		e.noteDegradation(fmt.Errorf("journal experience: %w", err))
	}

	e.extractWG.Add(1)
	go func() {
		defer e.extractWG.Done()
		e.extractAndStore(userID, msg)
	}()
	return nil
}

// extractAndStore runs inline extraction off the caller's path. It uses
// its own deadline so a hung collaborator cannot pin the goroutine.
func (e *Engine) extractAndStore(userID string, msg types.SessionMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cands, err := e.extractor.Candidates(ctx, userID, msg.ConversationID, msg.Content)
	if err != nil {
		e.noteDegradation(fmt.Errorf("extraction: %w", err))
		return
	}

	for _, cand := range cands {
		op, err := e.facts.StoreCandidate(ctx, cand)
		if err != nil {
			e.noteDegradation(fmt.Errorf("store candidate: %w", err))
			continue
		}
		if op.Kind != types.OpNoop {
			logging.Debug("engine", "fact %s %s for user %s", op.FactID, op.Kind, userID)
		}
	}
}

// noteDegradation records a failed background memory write. The
// conversation already succeeded by the time these run, so the failure is
// logged and counted rather than returned.
func (e *Engine) noteDegradation(err error) {
	logging.Warn("engine", "background write degraded: %v", err)
	e.degradeMu.Lock()
	e.degradedCount++
	e.lastDegraded = err.Error()
	e.lastDegradeAt = time.Now()
	e.degradeMu.Unlock()
}

// Degradation reports how many background writes have failed since start
// and the most recent failure.
func (e *Engine) Degradation() (count int, lastError string, lastAt time.Time) {
	e.degradeMu.Lock()
	defer e.degradeMu.Unlock()
	return e.degradedCount, e.lastDegraded, e.lastDegradeAt
}

// AssembleContext builds the bounded retrieval context for a query.
func (e *Engine) AssembleContext(ctx context.Context, userID, conversationID, queryText string, tokenBudget int) (*assemble.Context, error) {
	return e.assembler.Assemble(ctx, userID, conversationID, queryText, tokenBudget)
}

// RecordCuratedFact stores a fact the user stated outright. Curated facts
// enter at full confidence, immutable, and bypass the veto.
func (e *Engine) RecordCuratedFact(ctx context.Context, userID, content string, factType types.FactType, category string) (types.FactOperation, error) {
	if !types.ValidFactType(factType) {
		return types.Noop, fmt.Errorf("unknown fact type %q", factType)
	}
	return e.facts.StoreCandidate(ctx, types.CandidateFact{
		UserID:           userID,
		Content:          content,
		Type:             factType,
		Category:         category,
		Confidence:       1.0,
		UserCurated:      true,
		ExtractionMethod: "user_curated",
	})
}

// RecordFeedback attaches explicit feedback polarity to an experience so
// replay prioritizes it.
func (e *Engine) RecordFeedback(experienceID string, polarity float64) error {
	if polarity < -1 || polarity > 1 {
		return fmt.Errorf("feedback polarity %v out of range [-1, 1]", polarity)
	}
	return e.facts.DB().SetExperienceFeedback(experienceID, polarity)
}

// Stats reports per-user memory statistics plus store-wide totals.
func (e *Engine) Stats(userID string) (map[string]any, error) {
	counts, err := e.facts.DB().FactCounts(userID)
	if err != nil {
		return nil, fmt.Errorf("fact counts: %w", err)
	}
	pending, err := e.facts.DB().PendingExperienceCount(userID)
	if err != nil {
		return nil, fmt.Errorf("pending experiences: %w", err)
	}
	totals, err := e.facts.DB().Stats()
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}

	byType := make(map[string]int, len(counts))
	total := 0
	for ft, n := range counts {
		byType[string(ft)] = n
		total += n
	}
	count, lastErr, lastAt := e.Degradation()
	degraded := map[string]any{"count": count}
	if count > 0 {
		degraded["last_error"] = lastErr
		degraded["last_at"] = lastAt.Format(time.RFC3339)
	}

	return map[string]any{
		"user_id":             userID,
		"facts_total":         total,
		"facts_by_type":       byType,
		"pending_experiences": pending,
		"degraded_writes":     degraded,
		"store":               totals,
	}, nil
}

// WaitForExtraction blocks until background extractions settle. Tests use
// this to make the async path deterministic.
func (e *Engine) WaitForExtraction() {
	e.extractWG.Wait()
}

// Close waits for background work and releases the session tier. The
// fact store is owned by the caller that opened it.
func (e *Engine) Close() error {
	e.extractWG.Wait()
	return e.sessions.Close()
}
