// consolidate runs one consolidation cycle from the command line,
// bypassing the idle gate. Useful for catching up a backlog or forcing a
// single user through the pipeline.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/keepsake-ai/keepsake/internal/config"
	"github.com/keepsake-ai/keepsake/internal/consolidate"
	"github.com/keepsake-ai/keepsake/internal/embedding"
	"github.com/keepsake-ai/keepsake/internal/extract"
	"github.com/keepsake-ai/keepsake/internal/ner"
	"github.com/keepsake-ai/keepsake/internal/replay"
	"github.com/keepsake-ai/keepsake/internal/resolve"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/temporal"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: KEEPSAKE_CONFIG or built-ins)")
	userID := flag.String("user", "", "Consolidate only this user, ignoring shard eligibility")
	seed := flag.Int64("seed", 0, "Replay sampling seed (0 = system entropy)")
	dryRun := flag.Bool("dry-run", false, "Print backlog stats without consolidating")
	flag.Parse()

	_ = godotenv.Load()

	path := *configPath
	if path == "" {
		path = os.Getenv("KEEPSAKE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	users, err := db.UsersWithPendingExperiences()
	if err != nil {
		log.Fatalf("pending users: %v", err)
	}
	log.Printf("Backlog: %d user(s) with pending experiences", len(users))
	for _, u := range users {
		n, err := db.PendingExperienceCount(u)
		if err != nil {
			continue
		}
		log.Printf("  %s: %d pending (shard %d)", u, n, consolidate.ShardFor(u))
	}

	if *dryRun {
		log.Println("Dry run - exiting")
		return
	}

	ollama := embedding.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel, cfg.Ollama.GenerateModel)
	ollama.SetTimeouts(
		time.Duration(cfg.Ollama.EmbedTimeout)*time.Second,
		time.Duration(cfg.Ollama.GenTimeout)*time.Second,
	)
	if !ollama.Healthy(context.Background()) {
		log.Fatalf("ollama not reachable at %s", cfg.Ollama.BaseURL)
	}

	facts := store.New(db, ollama, resolve.New(ollama), cfg.Store)
	extractor := extract.New(ner.NewClient(cfg.NER.BaseURL), ollama, cfg.Extract.MinConfidence)
	rb := replay.New(cfg.Replay, *seed)
	tt := temporal.New(db, cfg.Temporal)
	worker := consolidate.NewWorker(facts, extractor, rb, tt, cfg.Consolidate, cfg.Replay)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Consolidate.JobTimeout())
	defer cancel()

	start := time.Now()
	if *userID != "" {
		res, err := worker.Run(ctx, *userID)
		if err != nil {
			log.Fatalf("consolidate %s: %v", *userID, err)
		}
		report(*userID, res)
	} else {
		tracker := consolidate.NewTracker(db, time.Duration(cfg.Consolidate.MinRunGapDays)*24*time.Hour)
		idle := consolidate.NewIdleWatcher(cfg.Consolidate.IdleCPUPercent,
			cfg.Consolidate.IdleWindow(), cfg.Consolidate.PollInterval())
		idle.ForceIdle()
		sched := consolidate.NewScheduler(tracker, worker, idle, cfg.Consolidate)
		if err := tracker.Recover(); err != nil {
			log.Fatalf("recover: %v", err)
		}
		sched.RunCycle(ctx)
	}
	log.Printf("Done in %v", time.Since(start).Round(time.Millisecond))
}

func report(userID string, res *consolidate.Result) {
	log.Printf("User %s:", userID)
	log.Printf("  Experiences processed: %d", res.ExperiencesProcessed)
	log.Printf("  Facts written: %d", res.FactsWritten)
	log.Printf("  Candidates deferred: %d", res.CandidatesDeferred)
	log.Printf("  Variants purged: %d", res.VariantsPurged)
}
