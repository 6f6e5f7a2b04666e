package store

import (
	"fmt"
	"time"

	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// enforceVariantCap keeps at most VariantCap live facts per semantic
// cluster. Over the cap, the lowest-confidence (oldest on ties) variant is
// evicted — never an unbounded append. Immutable and user-curated variants
// are never eviction victims; only supersession removes those.
func (s *Store) enforceVariantCap(clusterID string) error {
	variants, err := s.db.ClusterVariants(clusterID)
	if err != nil {
		return err
	}
	for len(variants) > s.cfg.VariantCap {
		var victim *types.Fact
		for _, v := range variants {
			if v.Immutable || v.UserCurated {
				continue
			}
			if victim == nil || v.Confidence < victim.Confidence ||
				(v.Confidence == victim.Confidence && v.CreatedAt.Before(victim.CreatedAt)) {
				victim = v
			}
		}
		if victim == nil {
			// Every member is protected; the cluster stays over cap.
			return nil
		}
		if err := s.db.DeleteFact(victim.ID); err != nil {
			return fmt.Errorf("evict variant %s: %w", victim.ID, err)
		}
		logging.Info("store", "evicted variant %s (confidence %.2f) from cluster %s",
			victim.ID, victim.Confidence, clusterID)
		variants, err = s.db.ClusterVariants(clusterID)
		if err != nil {
			return err
		}
	}
	return nil
}

// PurgeStaleVariants deletes the user's variants untouched for longer than
// maxAge. Only clustered facts are candidates — a lone fact is knowledge,
// not a competing interpretation. Returns the number purged.
func (s *Store) PurgeStaleVariants(userID string, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := s.db.db.Query(factColumns+`
		FROM facts
		WHERE user_id = ? AND superseded_by = '' AND cluster_id != ''
		  AND last_accessed < ?`, userID, cutoff)
	if err != nil {
		return 0, err
	}

	var stale []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			continue
		}
		stale = append(stale, f)
	}
	rows.Close()

	purged := 0
	for _, f := range stale {
		if f.UserCurated || f.Immutable {
			continue
		}
		// Leave the last member of a cluster alone: it is the surviving
		// interpretation, not a stale alternative.
		variants, err := s.db.ClusterVariants(f.ClusterID)
		if err != nil || len(variants) <= 1 {
			continue
		}
		if err := s.db.DeleteFact(f.ID); err != nil {
			continue
		}
		purged++
	}
	if purged > 0 {
		logging.Info("store", "purged %d stale variant(s) for user %s", purged, userID)
	}
	return purged, nil
}

// ClusterVariants returns the live facts in a variant cluster, including
// the anchor fact itself.
func (d *DB) ClusterVariants(clusterID string) ([]*types.Fact, error) {
	rows, err := d.db.Query(factColumns+`
		FROM facts
		WHERE superseded_by = '' AND (cluster_id = ? OR id = ?)`, clusterID, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
