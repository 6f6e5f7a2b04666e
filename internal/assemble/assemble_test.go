package assemble

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/resolve"
	"github.com/keepsake-ai/keepsake/internal/session"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/types"
)

type fakeEmbedder struct {
	vecs map[string][]float64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0, 0}, nil
}

type noopResolver struct{}

func (noopResolver) Resolve(_ context.Context, _ types.CandidateFact, _ []*types.Fact) (resolve.Decision, error) {
	return resolve.Decision{Op: resolve.OpNoop}, nil
}

func testConfig() config.AssembleConfig {
	return config.AssembleConfig{
		RecentMessages:     10,
		FactLimit:          20,
		MinFactConfidence:  0.3,
		TopicShiftDistance: 0.45,
		RecencyHalfLifeHrs: 72,
	}
}

func setupAssembler(t *testing.T, emb *fakeEmbedder) (*Assembler, *store.Store, session.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "assemble-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := store.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	facts := store.New(db, emb, noopResolver{}, config.StoreConfig{
		SimilarK:            5,
		SimilarityThreshold: 0.92,
		MinStoreConfidence:  0.3,
		ImmutableConfidence: 0.9,
		VariantThreshold:    0.85,
		VariantCap:          3,
		LockTimeoutMillis:   500,
	})
	sessions := session.NewMemoryStore(time.Hour, 50, 0)

	a := New(sessions, facts, emb, testConfig())
	cleanup := func() {
		sessions.Close()
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return a, facts, sessions, cleanup
}

// TestEstimateTokensRoundsUp verifies the conservative chars/4 estimate.
func TestEstimateTokensRoundsUp(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"twelve chars", 3},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

// TestPackNeverExceedsBudget verifies greedy packing stays within the
// token budget and drops the oldest messages first.
func TestPackNeverExceedsBudget(t *testing.T) {
	a := &Assembler{cfg: testConfig()}

	var messages []types.SessionMessage
	for i := 0; i < 20; i++ {
		messages = append(messages, types.SessionMessage{
			Role:    "user",
			Content: "a fairly ordinary conversational message with some length to it",
		})
	}
	var facts []store.QueryResult
	for i := 0; i < 20; i++ {
		facts = append(facts, store.QueryResult{
			Fact: &types.Fact{
				Content:    "remembers something specific about the user here",
				Type:       types.FactPreference,
				Confidence: 0.8,
				UpdatedAt:  time.Now(),
			},
			Similarity: 0.9,
		})
	}

	for _, budget := range []int{10, 50, 200, 1000} {
		out := a.pack(messages, facts, budget)
		if out.EstimatedTokens > budget {
			t.Errorf("Budget %d exceeded: estimated %d", budget, out.EstimatedTokens)
		}
		var recount int
		for _, m := range out.Messages {
			recount += EstimateMessageTokens(m)
		}
		for _, f := range out.Facts {
			recount += EstimateFactTokens(f)
		}
		if recount != out.EstimatedTokens {
			t.Errorf("Budget %d: estimate %d != recount %d", budget, out.EstimatedTokens, recount)
		}
	}
}

// TestPackDropsOldestMessagesFirst verifies truncation order under a tight
// budget.
func TestPackDropsOldestMessagesFirst(t *testing.T) {
	a := &Assembler{cfg: testConfig()}

	messages := []types.SessionMessage{
		{Role: "user", Content: "oldest message in the buffer right here"},
		{Role: "assistant", Content: "a middle message in the conversation"},
		{Role: "user", Content: "the newest message of them all"},
	}

	// Room for roughly two messages.
	budget := EstimateMessageTokens(messages[1]) + EstimateMessageTokens(messages[2]) + 1
	out := a.pack(messages, nil, budget)

	if len(out.Messages) != 2 {
		t.Fatalf("Kept %d messages, want 2", len(out.Messages))
	}
	if out.Messages[0].Content != messages[1].Content || out.Messages[1].Content != messages[2].Content {
		t.Errorf("Wrong messages kept: %v", out.Messages)
	}
}

// TestAssembleTopicShift verifies a query far from the running session
// topic flags a shift and still returns facts.
func TestAssembleTopicShift(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float64{
		"tell me about the weather":   {1, 0, 0, 0},
		"what should I cook tonight?": {0, 1, 0, 0}, // orthogonal: distance 1.0
		"Enjoys spicy food":           {0, 0.9, 0.1, 0},
	}}
	a, facts, sessions, cleanup := setupAssembler(t, emb)
	defer cleanup()
	ctx := context.Background()

	sessions.Append(ctx, types.SessionMessage{
		ConversationID: "conv-1",
		Role:           "user",
		Content:        "tell me about the weather",
	})
	if _, err := facts.StoreCandidate(ctx, types.CandidateFact{
		UserID:     "alice",
		Content:    "Enjoys spicy food",
		Type:       types.FactPreference,
		Confidence: 0.8,
	}); err != nil {
		t.Fatalf("StoreCandidate failed: %v", err)
	}

	out, err := a.Assemble(ctx, "alice", "conv-1", "what should I cook tonight?", 2000)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !out.TopicShift {
		t.Errorf("Expected topic shift for orthogonal query")
	}
	if len(out.Facts) != 1 || out.Facts[0].Content != "Enjoys spicy food" {
		t.Errorf("Expected the stored fact, got %v", out.Facts)
	}
	if len(out.Messages) != 1 {
		t.Errorf("Session messages should always be included, got %d", len(out.Messages))
	}
}

// TestAssembleRejectsZeroBudget verifies the budget must be positive.
func TestAssembleRejectsZeroBudget(t *testing.T) {
	emb := &fakeEmbedder{}
	a, _, _, cleanup := setupAssembler(t, emb)
	defer cleanup()

	if _, err := a.Assemble(context.Background(), "alice", "conv-1", "anything", 0); err == nil {
		t.Errorf("Expected error for zero budget")
	}
}
