// Package types holds the shared data model for the memory engine:
// facts, candidate facts, session messages, consolidation jobs, and the
// error taxonomy used across components.
package types

import "time"

// FactType classifies what kind of knowledge a fact encodes.
type FactType string

const (
	FactIdentity    FactType = "identity"
	FactPreference  FactType = "preference"
	FactRelation    FactType = "relationship"
	FactTemporal    FactType = "temporal"
	FactDemographic FactType = "demographic"
)

// ValidFactType reports whether t is one of the known fact types.
func ValidFactType(t FactType) bool {
	switch t {
	case FactIdentity, FactPreference, FactRelation, FactTemporal, FactDemographic:
		return true
	}
	return false
}

// Entity is a named entity extracted from message text.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"` // PERSON, ORG, GPE, DATE, ...
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Fact is the durable unit of knowledge about a user.
//
// An immutable fact is never overwritten in place: superseding it creates a
// new fact and records the successor's ID in SupersededBy on the old row.
type Fact struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	Content              string     `json:"content"`
	Type                 FactType   `json:"fact_type"`
	Category             string     `json:"category,omitempty"`
	Confidence           float64    `json:"confidence"`
	Immutable            bool       `json:"is_immutable"`
	UserCurated          bool       `json:"user_curated"`
	ValidFrom            time.Time  `json:"valid_from"`
	ValidUntil           *time.Time `json:"valid_until,omitempty"`
	Entities             []Entity   `json:"entities,omitempty"`
	SourceConversationID string     `json:"source_conversation_id,omitempty"`
	ExtractionMethod     string     `json:"extraction_method,omitempty"`
	SupersededBy         string     `json:"superseded_by,omitempty"`
	ClusterID            string     `json:"cluster_id,omitempty"` // variant cluster anchor

	// Temporal metadata
	Version     int       `json:"version"`
	AccessCount int       `json:"access_count"`
	LastAccess  time.Time `json:"last_accessed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Embedding []float64 `json:"-"`
}

// Live reports whether the fact is current knowledge (not superseded).
func (f *Fact) Live() bool {
	return f.SupersededBy == ""
}

// ValidAt reports whether the fact's validity window contains t.
func (f *Fact) ValidAt(t time.Time) bool {
	if t.Before(f.ValidFrom) {
		return false
	}
	if f.ValidUntil != nil && t.After(*f.ValidUntil) {
		return false
	}
	return true
}

// Recency returns seconds since the fact was last accessed
func (f *Fact) Recency() float64 {
	return time.Since(f.LastAccess).Seconds()
}

// CandidateFact is an unvalidated fact proposal awaiting conflict resolution.
type CandidateFact struct {
	UserID               string     `json:"user_id"`
	Content              string     `json:"content"`
	Type                 FactType   `json:"fact_type"`
	Category             string     `json:"category,omitempty"`
	Confidence           float64    `json:"confidence"`
	UserCurated          bool       `json:"user_curated,omitempty"`
	ValidFrom            time.Time  `json:"valid_from,omitempty"`
	ValidUntil           *time.Time `json:"valid_until,omitempty"`
	Entities             []Entity   `json:"entities,omitempty"`
	SourceConversationID string     `json:"source_conversation_id,omitempty"`
	ExtractionMethod     string     `json:"extraction_method,omitempty"`
}

// OpKind is the outcome kind of a fact-store write.
type OpKind int

const (
	OpNoop OpKind = iota
	OpAdded
	OpUpdated
	OpDeleted
)

func (k OpKind) String() string {
	switch k {
	case OpAdded:
		return "added"
	case OpUpdated:
		return "updated"
	case OpDeleted:
		return "deleted"
	default:
		return "noop"
	}
}

// FactOperation is the result of routing a candidate through conflict
// resolution. FactID is empty for Noop.
type FactOperation struct {
	Kind   OpKind `json:"kind"`
	FactID string `json:"fact_id,omitempty"`
}

// Noop is the zero-value operation, returned when nothing was written.
var Noop = FactOperation{Kind: OpNoop}

// RelationshipType labels a directed edge between two facts.
type RelationshipType string

const (
	RelContradicts RelationshipType = "contradicts"
	RelSupports    RelationshipType = "supports"
	RelRelatesTo   RelationshipType = "relates_to"
)

// FactRelationship is a directed edge between two facts.
type FactRelationship struct {
	SourceID   string           `json:"source_fact_id"`
	TargetID   string           `json:"target_fact_id"`
	Type       RelationshipType `json:"relationship_type"`
	Confidence float64          `json:"confidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

// SessionMessage is an ephemeral conversation turn held only by the
// session store. It expires by TTL and is never referenced by durable facts.
type SessionMessage struct {
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // user or assistant
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Experience is a raw user message journaled as consolidation input.
type Experience struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	Importance     float64    `json:"importance"` // prior-feedback signal, 0..1
	Feedback       float64    `json:"feedback"`   // explicit polarity, -1..1
	CreatedAt      time.Time  `json:"created_at"`
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`
}

// Recency returns seconds since the experience was recorded
func (e *Experience) Recency() float64 {
	return time.Since(e.CreatedAt).Seconds()
}

// PreferenceSnapshot is a point-in-time capture of explicit preference
// dimensions for one situational bucket.
type PreferenceSnapshot struct {
	UserID        string    `json:"user_id"`
	ContextBucket string    `json:"context_bucket"`
	Vector        []float64 `json:"vector"`
	CapturedAt    time.Time `json:"captured_at"`
}

// TrendDirection summarizes how a preference is moving over time.
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// Trend is the output of regression over a snapshot history.
type Trend struct {
	Direction  TrendDirection `json:"direction"`
	Magnitude  float64        `json:"magnitude"`
	Confidence float64        `json:"confidence"`
}

// JobStatus is the lifecycle state of a consolidation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// ConsolidationJob records one consolidation run for one user.
type ConsolidationJob struct {
	ID                   string        `json:"id"`
	UserID               string        `json:"user_id"`
	Status               JobStatus     `json:"status"`
	StartedAt            time.Time     `json:"started_at"`
	Duration             time.Duration `json:"duration"`
	Error                string        `json:"error,omitempty"`
	ExperiencesProcessed int           `json:"experiences_processed"`
}

// ConsolidationState is the durable per-user scheduling record.
type ConsolidationState struct {
	UserID    string    `json:"user_id"`
	Shard     int       `json:"shard"`
	LastRun   time.Time `json:"last_run"`
	UpdatedAt time.Time `json:"updated_at"`
}
