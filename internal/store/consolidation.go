package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// UpsertConsolidationState ensures a durable scheduling record exists for
// the user with its shard assignment.
func (d *DB) UpsertConsolidationState(userID string, shard int) error {
	_, err := d.db.Exec(`
		INSERT INTO consolidation_state (user_id, shard, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET shard = excluded.shard, updated_at = excluded.updated_at`,
		userID, shard, time.Now())
	return err
}

// ConsolidationStateFor loads the scheduling record for one user.
func (d *DB) ConsolidationStateFor(userID string) (*types.ConsolidationState, error) {
	var s types.ConsolidationState
	var lastRun sql.NullTime
	err := d.db.QueryRow(`
		SELECT user_id, shard, last_run, updated_at FROM consolidation_state WHERE user_id = ?`,
		userID).Scan(&s.UserID, &s.Shard, &lastRun, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		s.LastRun = lastRun.Time
	}
	return &s, nil
}

// SetLastRun stamps a successful (or partially successful) consolidation.
func (d *DB) SetLastRun(userID string, t time.Time) error {
	_, err := d.db.Exec(`UPDATE consolidation_state SET last_run = ?, updated_at = ? WHERE user_id = ?`,
		t, time.Now(), userID)
	return err
}

// SaveJob writes a job row, inserting or updating by job ID. Each state
// transition goes through here so readers never observe a Running job
// without a record.
func (d *DB) SaveJob(job *types.ConsolidationJob) error {
	var startedAt any
	if !job.StartedAt.IsZero() {
		startedAt = job.StartedAt
	}
	_, err := d.db.Exec(`
		INSERT INTO consolidation_jobs (id, user_id, status, started_at, duration_ms, error, experiences_processed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			experiences_processed = excluded.experiences_processed`,
		job.ID, job.UserID, string(job.Status), startedAt,
		job.Duration.Milliseconds(), job.Error, job.ExperiencesProcessed)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// RecentJobs returns the latest jobs, newest first.
func (d *DB) RecentJobs(limit int) ([]*types.ConsolidationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, user_id, status, started_at, duration_ms, error, experiences_processed
		FROM consolidation_jobs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ConsolidationJob
	for rows.Next() {
		var j types.ConsolidationJob
		var status string
		var startedAt sql.NullTime
		var durationMs int64
		if err := rows.Scan(&j.ID, &j.UserID, &status, &startedAt, &durationMs, &j.Error, &j.ExperiencesProcessed); err != nil {
			continue
		}
		j.Status = types.JobStatus(status)
		if startedAt.Valid {
			j.StartedAt = startedAt.Time
		}
		j.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &j)
	}
	return out, rows.Err()
}

// LastJobFor returns the most recent job for one user, or ErrNotFound.
func (d *DB) LastJobFor(userID string) (*types.ConsolidationJob, error) {
	row := d.db.QueryRow(`
		SELECT id, user_id, status, started_at, duration_ms, error, experiences_processed
		FROM consolidation_jobs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, userID)

	var j types.ConsolidationJob
	var status string
	var startedAt sql.NullTime
	var durationMs int64
	err := row.Scan(&j.ID, &j.UserID, &status, &startedAt, &durationMs, &j.Error, &j.ExperiencesProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = types.JobStatus(status)
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	j.Duration = time.Duration(durationMs) * time.Millisecond
	return &j, nil
}

// TrimJobHistory keeps only the newest keep rows (bounded ring of job
// history for observability and resume).
func (d *DB) TrimJobHistory(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := d.db.Exec(`
		DELETE FROM consolidation_jobs WHERE id NOT IN (
			SELECT id FROM consolidation_jobs ORDER BY created_at DESC LIMIT ?
		)`, keep)
	return err
}

// ResetOrphanedJobs marks jobs stuck in Running (e.g. after a crash) as
// failed so the next cycle can retry their users cleanly.
func (d *DB) ResetOrphanedJobs() (int, error) {
	res, err := d.db.Exec(`
		UPDATE consolidation_jobs SET status = ?, error = 'orphaned by restart'
		WHERE status = ?`, string(types.JobFailed), string(types.JobRunning))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
