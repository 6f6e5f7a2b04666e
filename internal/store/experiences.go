package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// AddExperience journals a raw message for later consolidation.
func (d *DB) AddExperience(e *types.Experience) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO experiences (id, user_id, conversation_id, role, content, importance, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ConversationID, e.Role, e.Content, e.Importance, e.Feedback, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("add experience: %w", err)
	}
	return nil
}

// UnconsolidatedExperiences returns the user's pending experiences, oldest
// first, up to limit.
func (d *DB) UnconsolidatedExperiences(userID string, limit int) ([]*types.Experience, error) {
	rows, err := d.db.Query(`
		SELECT id, user_id, conversation_id, role, content, importance, feedback, created_at, consolidated_at
		FROM experiences
		WHERE user_id = ? AND consolidated_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Experience
	for rows.Next() {
		var e types.Experience
		var consolidatedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.ConversationID, &e.Role, &e.Content,
			&e.Importance, &e.Feedback, &e.CreatedAt, &consolidatedAt); err != nil {
			continue
		}
		if consolidatedAt.Valid {
			t := consolidatedAt.Time
			e.ConsolidatedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkConsolidated stamps an experience as processed.
func (d *DB) MarkConsolidated(experienceID string) error {
	_, err := d.db.Exec(`UPDATE experiences SET consolidated_at = ? WHERE id = ?`, time.Now(), experienceID)
	return err
}

// SetExperienceFeedback records explicit feedback polarity (-1..1) on an
// experience, raising its replay priority.
func (d *DB) SetExperienceFeedback(experienceID string, feedback float64) error {
	res, err := d.db.Exec(`UPDATE experiences SET feedback = ? WHERE id = ?`, feedback, experienceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// PendingExperienceCount returns how many experiences await consolidation.
func (d *DB) PendingExperienceCount(userID string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM experiences WHERE user_id = ? AND consolidated_at IS NULL`, userID).Scan(&n)
	return n, err
}

// UsersWithPendingExperiences lists user IDs that have anything to
// consolidate.
func (d *DB) UsersWithPendingExperiences() ([]string, error) {
	rows, err := d.db.Query(`SELECT DISTINCT user_id FROM experiences WHERE consolidated_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeferCandidate persists a candidate whose classification could not run
// (collaborator unavailable mid-job). Retried next cycle, never dropped.
func (d *DB) DeferCandidate(cand types.CandidateFact) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal deferred candidate: %w", err)
	}
	_, err = d.db.Exec(`INSERT INTO deferred_candidates (user_id, payload) VALUES (?, ?)`,
		cand.UserID, string(payload))
	return err
}

// TakeDeferredCandidates removes and returns all deferred candidates for a
// user. Callers re-defer individual candidates that fail again.
func (d *DB) TakeDeferredCandidates(userID string) ([]types.CandidateFact, error) {
	rows, err := d.db.Query(`SELECT id, payload FROM deferred_candidates WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}

	type row struct {
		id      int64
		payload string
	}
	var raw []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			continue
		}
		raw = append(raw, r)
	}
	rows.Close()

	var out []types.CandidateFact
	for _, r := range raw {
		var cand types.CandidateFact
		if err := json.Unmarshal([]byte(r.payload), &cand); err != nil {
			d.db.Exec(`DELETE FROM deferred_candidates WHERE id = ?`, r.id)
			continue
		}
		d.db.Exec(`DELETE FROM deferred_candidates WHERE id = ?`, r.id)
		out = append(out, cand)
	}
	return out, nil
}
