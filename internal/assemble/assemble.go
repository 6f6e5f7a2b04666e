// Package assemble builds the bounded, ranked context handed to the
// downstream model: recent session messages plus relevant facts, greedily
// packed into a token budget.
package assemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/embedding"
	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/session"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Embedder is the embedding collaborator, used for topic-shift detection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Context is the assembled retrieval result.
type Context struct {
	Messages        []types.SessionMessage `json:"session_messages"`
	Facts           []*types.Fact          `json:"facts"`
	EstimatedTokens int                    `json:"estimated_tokens"`
	TopicShift      bool                   `json:"topic_shift"`
}

// Assembler combines the session store and the fact store.
type Assembler struct {
	session  session.Store
	facts    *store.Store
	embedder Embedder
	cfg      config.AssembleConfig
}

// New creates a context assembler.
func New(sess session.Store, facts *store.Store, embedder Embedder, cfg config.AssembleConfig) *Assembler {
	return &Assembler{session: sess, facts: facts, embedder: embedder, cfg: cfg}
}

// Assemble builds a context for the query within tokenBudget.
//
// Session messages are fetched unconditionally (cheap, always relevant);
// facts come from semantic search over the query. When the query diverges
// from the running session topic, the fact search widens to the new topic
// instead of leaning on conversation history. Packing is greedy and
// deterministic: messages newest-first, then facts by confidence × recency,
// with conservative token estimates so the budget is never overrun.
func (a *Assembler) Assemble(ctx context.Context, userID, conversationID, queryText string, tokenBudget int) (*Context, error) {
	if tokenBudget <= 0 {
		return nil, fmt.Errorf("token budget must be positive")
	}

	messages, err := a.session.Recent(ctx, conversationID, a.cfg.RecentMessages)
	if err != nil {
		return nil, fmt.Errorf("session recent: %w", err)
	}

	shifted, err := a.topicShifted(ctx, queryText, messages)
	if err != nil {
		// Topic-shift detection is an optimization; retrieval proceeds on
		// the narrow path if the embedder hiccups here.
		logging.Debug("assemble", "topic-shift detection failed: %v", err)
	}

	factLimit := a.cfg.FactLimit
	if shifted {
		// New topic: the session history is the wrong lens, go wider on
		// fact search instead.
		factLimit *= 2
	}

	results, err := a.facts.Query(ctx, userID, queryText,
		store.Filters{ValidAt: time.Now()}, factLimit, a.cfg.MinFactConfidence)
	if err != nil {
		return nil, fmt.Errorf("fact query: %w", err)
	}

	ranked := a.rankFacts(results)
	out := a.pack(messages, ranked, tokenBudget)
	out.TopicShift = shifted

	logging.Debug("assemble", "context for %q: %d msg, %d facts, ~%d tokens (budget %d)",
		logging.Truncate(queryText, 40), len(out.Messages), len(out.Facts), out.EstimatedTokens, tokenBudget)
	return out, nil
}

// topicShifted compares the query against the last session message; a
// cosine distance above the threshold marks a context switch.
func (a *Assembler) topicShifted(ctx context.Context, queryText string, messages []types.SessionMessage) (bool, error) {
	if len(messages) == 0 {
		return false, nil
	}
	last := messages[len(messages)-1]

	queryEmb, err := a.embedder.Embed(ctx, queryText)
	if err != nil {
		return false, err
	}
	lastEmb, err := a.embedder.Embed(ctx, last.Content)
	if err != nil {
		return false, err
	}

	dist := embedding.CosineDistance(queryEmb, lastEmb)
	return dist > a.cfg.TopicShiftDistance, nil
}

// rankFacts orders facts by confidence × recency-decayed score, highest
// first. Retrieval similarity breaks ties.
func (a *Assembler) rankFacts(results []store.QueryResult) []store.QueryResult {
	halfLife := float64(a.cfg.RecencyHalfLifeHrs)
	if halfLife <= 0 {
		halfLife = 72
	}

	score := func(r store.QueryResult) float64 {
		ageHours := time.Since(r.Fact.UpdatedAt).Hours()
		recency := math.Exp(-math.Ln2 * ageHours / halfLife)
		return r.Fact.Confidence * recency
	}

	ranked := make([]store.QueryResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := score(ranked[i]), score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].Similarity > ranked[j].Similarity
	})
	return ranked
}

// pack fills the budget greedily: session messages newest-first, then
// facts in rank order. Messages are re-emitted oldest-first for reading
// order; the truncation order stays deterministic and explainable.
func (a *Assembler) pack(messages []types.SessionMessage, facts []store.QueryResult, tokenBudget int) *Context {
	out := &Context{}
	remaining := tokenBudget

	// Walk messages newest-first so truncation drops the oldest.
	var kept []types.SessionMessage
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		kept = append(kept, messages[i])
	}
	// Restore oldest-first ordering.
	for i := len(kept) - 1; i >= 0; i-- {
		out.Messages = append(out.Messages, kept[i])
	}

	for _, r := range facts {
		cost := EstimateFactTokens(r.Fact)
		if cost > remaining {
			break
		}
		remaining -= cost
		out.Facts = append(out.Facts, r.Fact)
	}

	out.EstimatedTokens = tokenBudget - remaining
	return out
}
