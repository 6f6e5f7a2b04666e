// memoryd exposes the memory engine over MCP stdio: the orchestrating
// assistant calls store_message after each turn, assemble_context before
// generating, and record_curated_fact / memory_stats on demand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keepsake-ai/keepsake/internal/assemble"
	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/consolidate"
	"github.com/keepsake-ai/keepsake/internal/embedding"
	"github.com/keepsake-ai/keepsake/internal/engine"
	"github.com/keepsake-ai/keepsake/internal/extract"
	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/ner"
	"github.com/keepsake-ai/keepsake/internal/replay"
	"github.com/keepsake-ai/keepsake/internal/resolve"
	"github.com/keepsake-ai/keepsake/internal/session"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/temporal"
	"github.com/keepsake-ai/keepsake/internal/types"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("KEEPSAKE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	eng, sched, db, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(1)
	}
	defer sched.Stop()

	s := server.NewMCPServer(
		"keepsake-memory",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(storeMessageTool(), handleStoreMessage(eng))
	s.AddTool(assembleContextTool(), handleAssembleContext(eng))
	s.AddTool(recordCuratedFactTool(), handleRecordCuratedFact(eng))
	s.AddTool(recordFeedbackTool(), handleRecordFeedback(eng))
	s.AddTool(memoryStatsTool(), handleMemoryStats(eng))

	logging.Info("memoryd", "serving MCP on stdio")
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// buildEngine wires the full stack from config.
func buildEngine(cfg *config.Config) (*engine.Engine, *consolidate.Scheduler, *store.DB, error) {
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	ollama := embedding.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel, cfg.Ollama.GenerateModel)
	ollama.SetTimeouts(
		time.Duration(cfg.Ollama.EmbedTimeout)*time.Second,
		time.Duration(cfg.Ollama.GenTimeout)*time.Second,
	)

	resolver := resolve.New(ollama)
	facts := store.New(db, ollama, resolver, cfg.Store)

	nerClient := ner.NewClient(cfg.NER.BaseURL)
	extractor := extract.New(nerClient, ollama, cfg.Extract.MinConfidence)

	sessions, err := openSessionStore(cfg.Session)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	assembler := assemble.New(sessions, facts, ollama, cfg.Assemble)
	eng := engine.New(sessions, facts, extractor, assembler, cfg)

	tracker := consolidate.NewTracker(db, time.Duration(cfg.Consolidate.MinRunGapDays)*24*time.Hour)
	rb := replay.New(cfg.Replay, cfg.Replay.Seed)
	tt := temporal.New(db, cfg.Temporal)
	worker := consolidate.NewWorker(facts, extractor, rb, tt, cfg.Consolidate, cfg.Replay)
	idle := consolidate.NewIdleWatcher(cfg.Consolidate.IdleCPUPercent,
		cfg.Consolidate.IdleWindow(), cfg.Consolidate.PollInterval())
	sched := consolidate.NewScheduler(tracker, worker, idle, cfg.Consolidate)

	return eng, sched, db, nil
}

func openSessionStore(cfg config.SessionConfig) (session.Store, error) {
	if cfg.Backend == "redis" {
		return session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL(), cfg.MaxMessages)
	}
	return session.NewMemoryStore(cfg.TTL(), cfg.MaxMessages, cfg.SweepInterval()), nil
}

func storeMessageTool() mcp.Tool {
	return mcp.NewTool("store_message",
		mcp.WithDescription("Record one conversation turn. The message lands in the session cache immediately; fact extraction runs in the background."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Stable user identifier")),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation this turn belongs to")),
		mcp.WithString("role", mcp.Required(), mcp.Description("user or assistant")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
	)
}

func handleStoreMessage(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		userID, _ := args["user_id"].(string)
		conversationID, _ := args["conversation_id"].(string)
		role, _ := args["role"].(string)
		content, _ := args["content"].(string)

		if userID == "" || conversationID == "" || content == "" {
			return mcp.NewToolResultError("user_id, conversation_id, and content are required"), nil
		}
		if role != "user" && role != "assistant" {
			return mcp.NewToolResultError("role must be user or assistant"), nil
		}

		err := eng.StoreMessage(ctx, userID, types.SessionMessage{
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("store message: %v", err)), nil
		}
		return mcp.NewToolResultText("stored"), nil
	}
}

func assembleContextTool() mcp.Tool {
	return mcp.NewTool("assemble_context",
		mcp.WithDescription("Build the retrieval context for a query: recent session messages plus relevant remembered facts, packed into a token budget."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Stable user identifier")),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Active conversation")),
		mcp.WithString("query", mcp.Required(), mcp.Description("The user's current message or question")),
		mcp.WithNumber("token_budget", mcp.Description("Maximum tokens for the assembled context. Default: 2000")),
	)
}

func handleAssembleContext(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		userID, _ := args["user_id"].(string)
		conversationID, _ := args["conversation_id"].(string)
		query, _ := args["query"].(string)
		budget := 2000
		if b, ok := args["token_budget"].(float64); ok && b > 0 {
			budget = int(b)
		}

		if userID == "" || conversationID == "" || query == "" {
			return mcp.NewToolResultError("user_id, conversation_id, and query are required"), nil
		}

		out, err := eng.AssembleContext(ctx, userID, conversationID, query, budget)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("assemble context: %v", err)), nil
		}
		payload, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode context: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func recordCuratedFactTool() mcp.Tool {
	return mcp.NewTool("record_curated_fact",
		mcp.WithDescription("Store a fact the user stated explicitly. Curated facts are immutable and enter at full confidence."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Stable user identifier")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The fact, as a standalone sentence")),
		mcp.WithString("fact_type", mcp.Required(), mcp.Description("identity, preference, relationship, temporal, or demographic")),
		mcp.WithString("category", mcp.Description("Optional grouping, e.g. food, music")),
	)
}

func handleRecordCuratedFact(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		userID, _ := args["user_id"].(string)
		content, _ := args["content"].(string)
		factType, _ := args["fact_type"].(string)
		category, _ := args["category"].(string)

		if userID == "" || content == "" || factType == "" {
			return mcp.NewToolResultError("user_id, content, and fact_type are required"), nil
		}

		op, err := eng.RecordCuratedFact(ctx, userID, content, types.FactType(factType), category)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("record fact: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s (fact %s)", op.Kind, op.FactID)), nil
	}
}

func recordFeedbackTool() mcp.Tool {
	return mcp.NewTool("record_feedback",
		mcp.WithDescription("Attach feedback polarity to a journaled experience so replay prioritizes it."),
		mcp.WithString("experience_id", mcp.Required(), mcp.Description("Experience to annotate")),
		mcp.WithNumber("polarity", mcp.Required(), mcp.Description("Feedback in [-1, 1]; positive means the memory helped")),
	)
}

func handleRecordFeedback(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		experienceID, _ := args["experience_id"].(string)
		polarity, ok := args["polarity"].(float64)
		if experienceID == "" || !ok {
			return mcp.NewToolResultError("experience_id and polarity are required"), nil
		}
		if err := eng.RecordFeedback(experienceID, polarity); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("record feedback: %v", err)), nil
		}
		return mcp.NewToolResultText("recorded"), nil
	}
}

func memoryStatsTool() mcp.Tool {
	return mcp.NewTool("memory_stats",
		mcp.WithDescription("Report fact counts by type, pending consolidation backlog, and store totals for one user."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Stable user identifier")),
	)
}

func handleMemoryStats(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		userID, _ := args["user_id"].(string)
		if userID == "" {
			return mcp.NewToolResultError("user_id is required"), nil
		}

		stats, err := eng.Stats(userID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats: %v", err)), nil
		}
		payload, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode stats: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}
