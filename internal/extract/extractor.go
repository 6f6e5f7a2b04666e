// Package extract turns raw messages into candidate facts by delegating to
// the NER sidecar and the language-model collaborator, behind a cheap
// in-process gate.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keepsake-ai/keepsake/internal/logging"
	"github.com/keepsake-ai/keepsake/internal/types"
)

// Generator is the LLM completion collaborator used for fact synthesis.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// EntityExtractor is the external NER collaborator.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]types.Entity, error)
}

// Extractor is the entity/fact extraction adapter.
type Extractor struct {
	gate          *Gate
	ner           EntityExtractor
	generator     Generator
	minConfidence float64
}

// New creates an extraction adapter. ner may be nil, in which case the
// gate's local entities are the only entity source (the LLM still does the
// fact synthesis — the gate never synthesizes facts itself).
func New(ner EntityExtractor, generator Generator, minConfidence float64) *Extractor {
	return &Extractor{
		gate:          NewGate(),
		ner:           ner,
		generator:     generator,
		minConfidence: minConfidence,
	}
}

const factExtractionPrompt = `Extract durable facts about the user from this message.

A fact is a statement worth remembering across conversations: identity,
preferences, relationships, time-bound situations, demographics.

FACT TYPES (use these exact labels):
- identity: who the user is (name, profession, core self-description)
- preference: likes, dislikes, habits, favorites
- relationship: people, pets, organizations the user is connected to
- temporal: time-bound situations (travelling until June, on a diet this month)
- demographic: age, location, language, family structure

ENTITIES FOUND: %s

MESSAGE: "%s"

Rules:
- Each fact is one self-contained sentence about the user.
- Assign a confidence between 0 and 1 for how clearly the message states it.
- Do NOT invent facts. Small talk yields an empty array.
- Use a short lowercase category word (e.g. "food", "work", "family").

Return ONLY a JSON array:
[{"content":"...","fact_type":"preference","category":"food","confidence":0.9}]

JSON:`

// rawCandidate is the wire shape returned by the LLM.
type rawCandidate struct {
	Content    string  `json:"content"`
	FactType   string  `json:"fact_type"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Candidates extracts candidate facts from one message. Returns nil (no
// error) when the gate decides the message carries nothing fact-worthy.
// Collaborator failures propagate as dependency errors — there is no
// pattern-based fallback.
func (e *Extractor) Candidates(ctx context.Context, userID, conversationID, text string) ([]types.CandidateFact, error) {
	if !e.gate.ShouldExtract(text) {
		logging.Debug("extract", "gate: skipping %q", logging.Truncate(text, 50))
		return nil, nil
	}

	entities := e.gate.Entities(text)
	if e.ner != nil {
		remote, err := e.ner.Extract(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("entity extraction: %w", err)
		}
		entities = mergeEntities(entities, remote)
	}

	prompt := fmt.Sprintf(factExtractionPrompt, entityList(entities), clip(text, 2000))
	response, err := e.generator.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("fact synthesis: %w", err)
	}

	raws := parseCandidateJSON(response)
	now := time.Now()

	var out []types.CandidateFact
	for _, rc := range raws {
		content := strings.TrimSpace(rc.Content)
		if content == "" {
			continue
		}
		if rc.Confidence < e.minConfidence {
			logging.Debug("extract", "dropping low-confidence candidate (%.2f): %s",
				rc.Confidence, logging.Truncate(content, 60))
			continue
		}
		ft := types.FactType(strings.ToLower(rc.FactType))
		if !types.ValidFactType(ft) {
			ft = types.FactPreference
		}
		out = append(out, types.CandidateFact{
			UserID:               userID,
			Content:              content,
			Type:                 ft,
			Category:             strings.ToLower(strings.TrimSpace(rc.Category)),
			Confidence:           clampConfidence(rc.Confidence),
			ValidFrom:            now,
			Entities:             entities,
			SourceConversationID: conversationID,
			ExtractionMethod:     "llm",
		})
	}

	if len(out) > 0 {
		logging.Info("extract", "%d candidate fact(s) from %q", len(out), logging.Truncate(text, 50))
	}
	return out, nil
}

// parseCandidateJSON tolerates markdown fences and prose around the array.
func parseCandidateJSON(response string) []rawCandidate {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var raws []rawCandidate
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &raws); err != nil {
		logging.Debug("extract", "unparseable candidate JSON: %v", err)
		return nil
	}
	return raws
}

func mergeEntities(local, remote []types.Entity) []types.Entity {
	seen := make(map[string]bool, len(remote))
	out := make([]types.Entity, 0, len(local)+len(remote))
	for _, ent := range remote {
		seen[strings.ToLower(ent.Text)] = true
		out = append(out, ent)
	}
	for _, ent := range local {
		if !seen[strings.ToLower(ent.Text)] {
			out = append(out, ent)
		}
	}
	return out
}

func entityList(entities []types.Entity) string {
	if len(entities) == 0 {
		return "(none)"
	}
	parts := make([]string, len(entities))
	for i, ent := range entities {
		parts[i] = fmt.Sprintf("%s (%s)", ent.Text, ent.Label)
	}
	return strings.Join(parts, ", ")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
