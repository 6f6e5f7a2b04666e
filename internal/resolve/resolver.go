// Package resolve asks the conflict-classification collaborator what to do
// with a candidate fact given the semantically similar facts already stored.
// Its output is a closed variant type so the store's invariant checks are
// exhaustive switches, not string comparisons.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Op is the classifier's verdict for a candidate fact.
type Op int

const (
	OpNoop Op = iota
	OpAdd
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "NOOP"
	}
}

// MergeStrategy selects how an UPDATE combines candidate and target.
type MergeStrategy int

const (
	// MergeWeightedAverage is the default: confidence-weighted blend.
	MergeWeightedAverage MergeStrategy = iota
	// MergeKeepMax keeps whichever statement carries higher confidence.
	MergeKeepMax
	// MergeReplace takes the candidate wholesale.
	MergeReplace
)

func (m MergeStrategy) String() string {
	switch m {
	case MergeKeepMax:
		return "keep_max"
	case MergeReplace:
		return "replace"
	default:
		return "weighted"
	}
}

// Decision is the classified outcome for one candidate.
// TargetID identifies the existing fact for UPDATE/DELETE.
type Decision struct {
	Op       Op
	Merge    MergeStrategy
	TargetID string
}

// Generator is the LLM completion collaborator.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// Resolver classifies candidates against existing memory via the LLM.
type Resolver struct {
	generator Generator
}

// New creates a resolver backed by the given generator.
func New(generator Generator) *Resolver {
	return &Resolver{generator: generator}
}

const resolvePrompt = `You are a memory manager deciding what to do with a new fact
about a user, compared against facts already in memory.

Operations:
- ADD: the new fact is information not present in memory (or a genuinely
  different interpretation worth keeping alongside existing ones).
- UPDATE: the new fact refines or restates an existing memory. Pick the
  existing fact's id as "target". Also pick a merge strategy:
  "weighted" (default blend), "keep_max" (keep the stronger statement), or
  "replace" (the new fact fully obsoletes the old wording).
- DELETE: the new fact directly contradicts an existing memory which is now
  wrong. Pick the contradicted fact's id as "target".
- NONE: memory already contains this; nothing to do.

Examples:
- memory "User likes pizza", new "User loves pizza" -> UPDATE weighted
- memory "User lives in Portland", new "User moved to Seattle" -> DELETE old, the caller re-adds
- memory "User's name is Sarah", new "User's name is Sarah" -> NONE

EXISTING MEMORY:
%s

NEW FACT (confidence %.2f): "%s"

Return ONLY JSON: {"event":"ADD|UPDATE|DELETE|NONE","target":"<id or empty>","merge":"weighted|keep_max|replace"}

JSON:`

type rawDecision struct {
	Event  string `json:"event"`
	Target string `json:"target"`
	Merge  string `json:"merge"`
}

// Resolve classifies the candidate against the similar facts. The caller
// has already established that similar is non-empty; with nothing similar
// there is no conflict to classify.
func (r *Resolver) Resolve(ctx context.Context, cand types.CandidateFact, similar []*types.Fact) (Decision, error) {
	var memory strings.Builder
	for _, f := range similar {
		fmt.Fprintf(&memory, "- id=%s confidence=%.2f type=%s: %s\n", f.ID, f.Confidence, f.Type, f.Content)
	}

	prompt := fmt.Sprintf(resolvePrompt, memory.String(), cand.Confidence, cand.Content)
	response, err := r.generator.GenerateJSON(ctx, prompt)
	if err != nil {
		return Decision{}, fmt.Errorf("conflict classification: %w", err)
	}

	dec, err := ParseDecision(response)
	if err != nil {
		// An unparseable verdict is treated as a collaborator failure, not
		// silently coerced into a guess.
		return Decision{}, fmt.Errorf("%w: %v", types.ErrDependencyUnavailable, err)
	}

	// Target must reference one of the supplied facts; a hallucinated id
	// falls back to the most similar one.
	if dec.Op == OpUpdate || dec.Op == OpDelete {
		if !containsFact(similar, dec.TargetID) {
			logging.Debug("resolve", "classifier target %q not in similar set, using nearest", dec.TargetID)
			dec.TargetID = similar[0].ID
		}
	}

	logging.Debug("resolve", "%s (merge=%s target=%s) for %q",
		dec.Op, dec.Merge, dec.TargetID, logging.Truncate(cand.Content, 60))
	return dec, nil
}

// ParseDecision parses the classifier's JSON verdict.
func ParseDecision(response string) (Decision, error) {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return Decision{}, fmt.Errorf("no JSON object in classifier response")
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &raw); err != nil {
		return Decision{}, fmt.Errorf("parse classifier response: %w", err)
	}

	dec := Decision{TargetID: strings.TrimSpace(raw.Target)}

	switch strings.ToUpper(strings.TrimSpace(raw.Event)) {
	case "ADD":
		dec.Op = OpAdd
	case "UPDATE":
		dec.Op = OpUpdate
	case "DELETE":
		dec.Op = OpDelete
	case "NONE", "NOOP":
		dec.Op = OpNoop
	default:
		return Decision{}, fmt.Errorf("unknown event %q", raw.Event)
	}

	switch strings.ToLower(strings.TrimSpace(raw.Merge)) {
	case "keep_max":
		dec.Merge = MergeKeepMax
	case "replace":
		dec.Merge = MergeReplace
	default:
		dec.Merge = MergeWeightedAverage
	}

	return dec, nil
}

func containsFact(facts []*types.Fact, id string) bool {
	if id == "" {
		return false
	}
	for _, f := range facts {
		if f.ID == id {
			return true
		}
	}
	return false
}
