// Package consolidate runs the background pipeline that turns journaled
// experiences into durable facts: idle-gated, sharded across days, and
// bounded in concurrency and per-job time.
package consolidate

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/store"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// ShardCount spreads users across days of the week so one calendar day
// never consolidates the whole population.
const ShardCount = 7

// ShardFor maps a user deterministically to a shard.
func ShardFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % ShardCount)
}

// eligibleShard returns the shard whose day it is.
func eligibleShard(now time.Time) int {
	days := now.Unix() / 86400
	return int(days % ShardCount)
}

// Tracker owns the durable scheduling state: shard assignments, last-run
// stamps, and job history.
type Tracker struct {
	db            *store.DB
	minRunGap     time.Duration
	maxJobHistory int
}

// NewTracker creates a tracker over the durable store.
func NewTracker(db *store.DB, minRunGap time.Duration) *Tracker {
	return &Tracker{db: db, minRunGap: minRunGap, maxJobHistory: 500}
}

// Recover clears jobs left Running by a previous process. Call once at
// startup before scheduling anything.
func (t *Tracker) Recover() error {
	n, err := t.db.ResetOrphanedJobs()
	if err != nil {
		return fmt.Errorf("reset orphaned jobs: %w", err)
	}
	if n > 0 {
		logging.Warn("consolidate", "marked %d orphaned job(s) failed", n)
	}
	return nil
}

// DueUsers returns the users whose shard is eligible today, who have
// pending experiences, and whose last run is older than the minimum gap.
func (t *Tracker) DueUsers(now time.Time) ([]string, error) {
	pending, err := t.db.UsersWithPendingExperiences()
	if err != nil {
		return nil, fmt.Errorf("list pending users: %w", err)
	}

	shard := eligibleShard(now)
	var due []string
	for _, userID := range pending {
		userShard := ShardFor(userID)
		if err := t.db.UpsertConsolidationState(userID, userShard); err != nil {
			return nil, fmt.Errorf("upsert state for %s: %w", userID, err)
		}
		if userShard != shard {
			continue
		}

		state, err := t.db.ConsolidationStateFor(userID)
		if err != nil {
			return nil, fmt.Errorf("state for %s: %w", userID, err)
		}
		if !state.LastRun.IsZero() && now.Sub(state.LastRun) < t.minRunGap {
			continue
		}
		due = append(due, userID)
	}
	return due, nil
}

// RecordRun stamps a completed (or partially completed) run and trims job
// history to its bounded size.
func (t *Tracker) RecordRun(userID string, at time.Time) error {
	if err := t.db.SetLastRun(userID, at); err != nil {
		return err
	}
	return t.db.TrimJobHistory(t.maxJobHistory)
}

// SaveJob persists a job state transition.
func (t *Tracker) SaveJob(job *types.ConsolidationJob) error {
	return t.db.SaveJob(job)
}

// LastJob returns the most recent job for one user.
func (t *Tracker) LastJob(userID string) (*types.ConsolidationJob, error) {
	return t.db.LastJobFor(userID)
}
