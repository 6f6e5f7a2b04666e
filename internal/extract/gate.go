package extract

import (
	"strings"

	"github.com/tsawler/prose/v3"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// Gate is a cheap in-process pre-filter: messages with no detectable
// entities and no preference language skip the extraction collaborators
// entirely. It never replaces them — a message passing the gate still goes
// through the NER sidecar and the LLM for real extraction.
type Gate struct {
	minLength int
}

// NewGate creates an extraction gate.
func NewGate() *Gate {
	return &Gate{minLength: 12}
}

// preference verbs that signal a fact-worthy statement even without a
// named entity ("I love spicy food" has no prose entity)
var preferenceMarkers = []string{
	"i love", "i like", "i hate", "i prefer", "i enjoy", "i dislike",
	"my favorite", "my favourite", "i always", "i never", "i usually",
	"i am ", "i'm ", "my name", "call me", "i work", "i live",
	"allergic", "my wife", "my husband", "my partner", "my kid",
	"my son", "my daughter", "my friend", "my dog", "my cat",
}

// ShouldExtract reports whether text is worth sending to the collaborators.
func (g *Gate) ShouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < g.minLength {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range preferenceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return len(g.Entities(trimmed)) > 0
}

// Entities runs prose NER over the text. Errors are swallowed: the gate is
// advisory and a parse failure just means "no local entities".
func (g *Gate) Entities(text string) []types.Entity {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}

	var entities []types.Entity
	for _, ent := range doc.Entities() {
		entities = append(entities, types.Entity{
			Text:  ent.Text,
			Label: strings.ToUpper(ent.Label),
			Start: ent.Start,
			End:   ent.End,
		})
	}
	return entities
}
