// Package store owns durable state: facts and their relationships with a
// sqlite-vec similarity index, preference snapshots, the experience journal,
// and consolidation bookkeeping. Conflict resolution lives in conflict.go;
// everything else is plain SQL over one WAL-mode SQLite file.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keepsake-ai/keepsake/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite connection for the memory store.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension in fact_vec (0 = not yet determined)
}

// Open opens or creates the memory database under dataDir.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "memory.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{db: db, path: dbPath}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check if sqlite-vec is available; similarity search falls back to a
	// per-user full scan when it isn't.
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("store", "sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		d.vecAvailable = true
		if err := d.initVecTableFromFacts(); err != nil {
			logging.Warn("store", "vec init: %v", err)
		}
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Durable facts, one row per fact_id. Superseded rows are kept for
	-- history; live knowledge is superseded_by = ''.
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		fact_type TEXT NOT NULL,
		category TEXT DEFAULT '',
		confidence REAL NOT NULL,
		immutable BOOLEAN DEFAULT FALSE,
		user_curated BOOLEAN DEFAULT FALSE,
		valid_from DATETIME NOT NULL,
		valid_until DATETIME,
		entities TEXT DEFAULT '[]',
		source_conversation_id TEXT DEFAULT '',
		extraction_method TEXT DEFAULT '',
		superseded_by TEXT DEFAULT '',
		cluster_id TEXT DEFAULT '',
		version INTEGER DEFAULT 1,
		access_count INTEGER DEFAULT 0,
		last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_facts_user_type ON facts(user_id, fact_type);
	CREATE INDEX IF NOT EXISTS idx_facts_user_live ON facts(user_id, superseded_by);
	CREATE INDEX IF NOT EXISTS idx_facts_cluster ON facts(cluster_id);
	CREATE INDEX IF NOT EXISTS idx_facts_last_accessed ON facts(last_accessed);

	-- Directed edges between facts (contradicts, supports, relates_to)
	CREATE TABLE IF NOT EXISTS fact_relationships (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		confidence REAL DEFAULT 1.0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source_id, target_id, relationship_type),
		FOREIGN KEY (source_id) REFERENCES facts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_fact_rel_target ON fact_relationships(target_id);

	-- Raw experiences journaled for consolidation
	CREATE TABLE IF NOT EXISTS experiences (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		importance REAL DEFAULT 0.5,
		feedback REAL DEFAULT 0.0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		consolidated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_experiences_user_pending ON experiences(user_id, consolidated_at);

	-- Preference snapshots for temporal trend tracking
	CREATE TABLE IF NOT EXISTS preference_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		context_bucket TEXT NOT NULL,
		vector TEXT NOT NULL,
		captured_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_user_bucket ON preference_snapshots(user_id, context_bucket, captured_at);

	-- Per-user consolidation scheduling record (durable cursor)
	CREATE TABLE IF NOT EXISTS consolidation_state (
		user_id TEXT PRIMARY KEY,
		shard INTEGER NOT NULL,
		last_run DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Bounded history of consolidation jobs
	CREATE TABLE IF NOT EXISTS consolidation_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME,
		duration_ms INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		experiences_processed INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_user ON consolidation_jobs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON consolidation_jobs(status);

	-- Candidates deferred mid-consolidation (classifier unavailable).
	-- Persisted so deferrals survive restarts and retry next cycle.
	CREATE TABLE IF NOT EXISTS deferred_candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_deferred_user ON deferred_candidates(user_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// initVecTableFromFacts reads the embedding dimension from existing facts,
// creates fact_vec with that dimension, and backfills. No-ops when no
// embedded facts exist yet.
func (d *DB) initVecTableFromFacts() error {
	var embBytes []byte
	err := d.db.QueryRow(`SELECT embedding FROM facts WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // defer to first insert
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	return d.ensureVecTable(len(emb))
}

// ensureVecTable creates the fact_vec virtual table for the given embedding
// dimension (if not yet created) and backfills existing facts. Uses integer
// rowid from the facts table plus an auxiliary +fact_id column; vec0's TEXT
// primary keys partition the index and break KNN queries.
func (d *DB) ensureVecTable(dim int) error {
	if d.vecDim == dim {
		return nil
	}
	if d.vecDim != 0 && d.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, d.vecDim)
	}

	_, err := d.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS fact_vec USING vec0(
			embedding float[%d],
			+fact_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create fact_vec(float[%d]): %w", dim, err)
	}
	d.vecDim = dim

	rows, err := d.db.Query(`SELECT rowid, id, embedding FROM facts WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := d.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var embBytes []byte
		if err := rows.Scan(&rowid, &id, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) != dim {
			continue
		}
		serialized, serErr := serializeVec(emb)
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; DELETE + INSERT.
		tx.Exec(`DELETE FROM fact_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO fact_vec(rowid, embedding, fact_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		logging.Info("store", "vec backfill: indexed %d facts (dim=%d)", count, dim)
	}
	return nil
}

// serializeVec normalizes to unit length and serializes for vec0 storage.
// On unit vectors L2 distance is cosine-equivalent: cos_sim = 1 - L2²/2.
func serializeVec(emb []float64) ([]byte, error) {
	var norm float64
	for _, x := range emb {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(emb))
	for i, x := range emb {
		if norm > 0 {
			out[i] = float32(x / norm)
		} else {
			out[i] = float32(x)
		}
	}
	return sqlite_vec.SerializeFloat32(out)
}

// l2ToCosineSim converts an L2 distance on normalized vectors to cosine similarity.
func l2ToCosineSim(l2 float64) float64 {
	return 1.0 - (l2*l2)/2.0
}

// Stats returns row counts per table.
func (d *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{"facts", "fact_relationships", "experiences", "preference_snapshots", "consolidation_state", "consolidation_jobs", "deferred_candidates"}
	for _, table := range tables {
		var count int
		if err := d.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}
