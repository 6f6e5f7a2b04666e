package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// InsertFact writes a new fact row and indexes its embedding.
// The fact's ID is generated if empty.
func (d *DB) InsertFact(f *types.Fact) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	if f.LastAccess.IsZero() {
		f.LastAccess = now
	}
	if f.ValidFrom.IsZero() {
		f.ValidFrom = now
	}
	if f.Version == 0 {
		f.Version = 1
	}
	if f.ValidUntil != nil && f.ValidUntil.Before(f.ValidFrom) {
		return &types.InvariantViolationError{FactID: f.ID, Reason: "valid_until before valid_from"}
	}

	entities, err := json.Marshal(f.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	var embBytes []byte
	if len(f.Embedding) > 0 {
		embBytes, err = json.Marshal(f.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
	}

	res, err := d.db.Exec(`
		INSERT INTO facts (id, user_id, content, fact_type, category, confidence,
			immutable, user_curated, valid_from, valid_until, entities,
			source_conversation_id, extraction_method, superseded_by, cluster_id,
			version, access_count, last_accessed, created_at, updated_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Content, string(f.Type), f.Category, f.Confidence,
		f.Immutable, f.UserCurated, f.ValidFrom, nullableTime(f.ValidUntil), string(entities),
		f.SourceConversationID, f.ExtractionMethod, f.SupersededBy, f.ClusterID,
		f.Version, f.AccessCount, f.LastAccess, f.CreatedAt, f.UpdatedAt, embBytes)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}

	if d.vecAvailable && len(f.Embedding) > 0 {
		rowid, err := res.LastInsertId()
		if err == nil {
			d.indexEmbedding(rowid, f.ID, f.Embedding)
		}
	}
	return nil
}

// indexEmbedding upserts into fact_vec. Failures degrade to full-scan search.
func (d *DB) indexEmbedding(rowid int64, factID string, emb []float64) {
	if err := d.ensureVecTable(len(emb)); err != nil {
		return
	}
	serialized, err := serializeVec(emb)
	if err != nil {
		return
	}
	d.db.Exec(`DELETE FROM fact_vec WHERE rowid = ?`, rowid)
	d.db.Exec(`INSERT INTO fact_vec(rowid, embedding, fact_id) VALUES (?, ?, ?)`, rowid, serialized, factID)
}

// GetFact loads one fact by ID.
func (d *DB) GetFact(id string) (*types.Fact, error) {
	row := d.db.QueryRow(factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return f, err
}

// UpdateFact rewrites the mutable columns of an existing fact row and
// refreshes its vector index entry. Callers are responsible for invariant
// checks; this is the raw write.
func (d *DB) UpdateFact(f *types.Fact) error {
	if f.ValidUntil != nil && f.ValidUntil.Before(f.ValidFrom) {
		return &types.InvariantViolationError{FactID: f.ID, Reason: "valid_until before valid_from"}
	}
	f.UpdatedAt = time.Now()

	entities, err := json.Marshal(f.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	var embBytes []byte
	if len(f.Embedding) > 0 {
		embBytes, err = json.Marshal(f.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
	}

	_, err = d.db.Exec(`
		UPDATE facts SET content = ?, fact_type = ?, category = ?, confidence = ?,
			immutable = ?, user_curated = ?, valid_from = ?, valid_until = ?,
			entities = ?, superseded_by = ?, cluster_id = ?, version = ?,
			access_count = ?, last_accessed = ?, updated_at = ?, embedding = ?
		WHERE id = ?`,
		f.Content, string(f.Type), f.Category, f.Confidence,
		f.Immutable, f.UserCurated, f.ValidFrom, nullableTime(f.ValidUntil),
		string(entities), f.SupersededBy, f.ClusterID, f.Version,
		f.AccessCount, f.LastAccess, f.UpdatedAt, embBytes, f.ID)
	if err != nil {
		return fmt.Errorf("update fact: %w", err)
	}

	if d.vecAvailable && len(f.Embedding) > 0 {
		var rowid int64
		if err := d.db.QueryRow(`SELECT rowid FROM facts WHERE id = ?`, f.ID).Scan(&rowid); err == nil {
			d.indexEmbedding(rowid, f.ID, f.Embedding)
		}
	}
	return nil
}

// DeleteFact physically removes a fact. Only the conflict-resolution DELETE
// outcome and the variant sweeps call this.
func (d *DB) DeleteFact(id string) error {
	var rowid int64
	if err := d.db.QueryRow(`SELECT rowid FROM facts WHERE id = ?`, id).Scan(&rowid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		return err
	}
	if d.vecAvailable {
		d.db.Exec(`DELETE FROM fact_vec WHERE rowid = ?`, rowid)
	}
	if _, err := d.db.Exec(`DELETE FROM facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

// MarkSuperseded records the successor on the old fact without touching its
// content or confidence (the immutability contract).
func (d *DB) MarkSuperseded(oldID, newID string) error {
	res, err := d.db.Exec(`UPDATE facts SET superseded_by = ?, updated_at = ? WHERE id = ?`,
		newID, time.Now(), oldID)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// TouchFacts bumps access bookkeeping for the given facts. Feeds decay.
func (d *DB) TouchFacts(ids []string) {
	if len(ids) == 0 {
		return
	}
	now := time.Now()
	for _, id := range ids {
		d.db.Exec(`UPDATE facts SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`, now, id)
	}
}

// AddRelationship records a directed edge between two facts.
func (d *DB) AddRelationship(sourceID, targetID string, relType types.RelationshipType, confidence float64) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO fact_relationships (source_id, target_id, relationship_type, confidence)
		VALUES (?, ?, ?, ?)`,
		sourceID, targetID, string(relType), confidence)
	if err != nil {
		return fmt.Errorf("add relationship: %w", err)
	}
	return nil
}

// Relationships returns all edges touching the given fact.
func (d *DB) Relationships(factID string) ([]types.FactRelationship, error) {
	rows, err := d.db.Query(`
		SELECT source_id, target_id, relationship_type, confidence, created_at
		FROM fact_relationships WHERE source_id = ? OR target_id = ?`, factID, factID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FactRelationship
	for rows.Next() {
		var r types.FactRelationship
		var relType string
		if err := rows.Scan(&r.SourceID, &r.TargetID, &relType, &r.Confidence, &r.CreatedAt); err != nil {
			continue
		}
		r.Type = types.RelationshipType(relType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SimilarFact pairs a fact with its similarity to a query embedding.
type SimilarFact struct {
	Fact       *types.Fact
	Similarity float64
}

// SimilarFacts returns up to k live facts for the user with cosine
// similarity >= threshold, most similar first. Uses the vec0 KNN index when
// available, otherwise scans the user's facts.
func (d *DB) SimilarFacts(userID string, queryEmb []float64, k int, threshold float64) ([]SimilarFact, error) {
	if len(queryEmb) == 0 || k <= 0 {
		return nil, nil
	}

	if d.vecAvailable && d.vecDim == len(queryEmb) {
		if out, err := d.similarFactsVec(userID, queryEmb, k, threshold); err == nil {
			return out, nil
		}
		// fall through to scan on vec query failure
	}
	return d.similarFactsScan(userID, queryEmb, k, threshold)
}

func (d *DB) similarFactsVec(userID string, queryEmb []float64, k int, threshold float64) ([]SimilarFact, error) {
	serialized, err := serializeVec(queryEmb)
	if err != nil {
		return nil, err
	}

	// Over-fetch: the KNN result is cross-user and includes superseded rows,
	// which get filtered after the join.
	rows, err := d.db.Query(`
		SELECT v.fact_id, v.distance FROM fact_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, serialized, k*8)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id  string
		sim float64
	}
	var hits []hit
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		sim := l2ToCosineSim(dist)
		if sim >= threshold {
			hits = append(hits, hit{id: id, sim: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []SimilarFact
	for _, h := range hits {
		f, err := d.GetFact(h.id)
		if err != nil || f.UserID != userID || !f.Live() {
			continue
		}
		out = append(out, SimilarFact{Fact: f, Similarity: h.sim})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (d *DB) similarFactsScan(userID string, queryEmb []float64, k int, threshold float64) ([]SimilarFact, error) {
	rows, err := d.db.Query(factColumns+`
		FROM facts WHERE user_id = ? AND superseded_by = '' AND embedding IS NOT NULL`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			continue
		}
		sim := cosineSimilarity(queryEmb, f.Embedding)
		if sim >= threshold {
			out = append(out, SimilarFact{Fact: f, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// LiveFacts returns every non-superseded fact for one user.
func (d *DB) LiveFacts(userID string) ([]*types.Fact, error) {
	rows, err := d.db.Query(factColumns+`
		FROM facts WHERE user_id = ? AND superseded_by = ''`, userID)
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

// FactCounts returns live fact counts per type for one user.
func (d *DB) FactCounts(userID string) (map[types.FactType]int, error) {
	rows, err := d.db.Query(`
		SELECT fact_type, COUNT(*) FROM facts
		WHERE user_id = ? AND superseded_by = ''
		GROUP BY fact_type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.FactType]int)
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			continue
		}
		counts[types.FactType(ft)] = n
	}
	return counts, rows.Err()
}

const factColumns = `SELECT id, user_id, content, fact_type, category, confidence,
	immutable, user_curated, valid_from, valid_until, entities,
	source_conversation_id, extraction_method, superseded_by, cluster_id,
	version, access_count, last_accessed, created_at, updated_at, embedding`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (*types.Fact, error) {
	var f types.Fact
	var factType string
	var validUntil sql.NullTime
	var entities string
	var embBytes []byte

	err := row.Scan(&f.ID, &f.UserID, &f.Content, &factType, &f.Category, &f.Confidence,
		&f.Immutable, &f.UserCurated, &f.ValidFrom, &validUntil, &entities,
		&f.SourceConversationID, &f.ExtractionMethod, &f.SupersededBy, &f.ClusterID,
		&f.Version, &f.AccessCount, &f.LastAccess, &f.CreatedAt, &f.UpdatedAt, &embBytes)
	if err != nil {
		return nil, err
	}

	f.Type = types.FactType(factType)
	if validUntil.Valid {
		t := validUntil.Time
		f.ValidUntil = &t
	}
	if entities != "" {
		json.Unmarshal([]byte(entities), &f.Entities)
	}
	if len(embBytes) > 0 {
		json.Unmarshal(embBytes, &f.Embedding)
	}
	return &f, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
