package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// AddSnapshot records a preference snapshot for one context bucket.
func (d *DB) AddSnapshot(s *types.PreferenceSnapshot) error {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	vec, err := json.Marshal(s.Vector)
	if err != nil {
		return fmt.Errorf("marshal snapshot vector: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT INTO preference_snapshots (user_id, context_bucket, vector, captured_at)
		VALUES (?, ?, ?, ?)`,
		s.UserID, s.ContextBucket, string(vec), s.CapturedAt)
	if err != nil {
		return fmt.Errorf("add snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the history for a bucket, oldest first.
func (d *DB) Snapshots(userID, contextBucket string, limit int) ([]*types.PreferenceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(`
		SELECT user_id, context_bucket, vector, captured_at
		FROM preference_snapshots
		WHERE user_id = ? AND context_bucket = ?
		ORDER BY captured_at ASC
		LIMIT ?`, userID, contextBucket, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PreferenceSnapshot
	for rows.Next() {
		var s types.PreferenceSnapshot
		var vec string
		if err := rows.Scan(&s.UserID, &s.ContextBucket, &vec, &s.CapturedAt); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(vec), &s.Vector); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
