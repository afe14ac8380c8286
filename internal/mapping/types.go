// Package mapping resolves flattened record keys onto discovered form fields.
package mapping

import (
	"context"
)

// Layer names the resolver stage that produced a mapping.
type Layer string

const (
	LayerExact      Layer = "exact"
	LayerStructural Layer = "structural"
	LayerFuzzy      Layer = "fuzzy"
	LayerLLM        Layer = "llm"
	LayerSkip       Layer = "skip"
)

// Confidence bounds. MaxConfidence is reserved for reused exact mappings.
const (
	MaxConfidence        = 1.3
	MaxStructuralScore   = 1.2
	MaxFuzzyConfidence   = 0.95
	defaultDetailBonus   = 0.1
	similarityTieBreaker = 0.1
)

// FieldMapping is the resolver's verdict for one source key.
type FieldMapping struct {
	SourceKey       string   `json:"sourceKey"`
	TargetFieldKey  string   `json:"targetFieldKey,omitempty"`
	TargetLabel     string   `json:"targetLabel,omitempty"`
	TabID           string   `json:"tabId,omitempty"`
	Value           string   `json:"value"`
	Confidence      float64  `json:"confidence"`
	MatchingFactors []string `json:"matchingFactors"`
	Resolved        bool     `json:"resolved"`
	Layer           Layer    `json:"layer"`
}

// Suggester is the LLM-backed last-chance matcher. It returns the label it
// picks from candidates; ok is false when it declines.
type Suggester interface {
	Suggest(ctx context.Context, sourceKey, value string, candidates []string) (label string, ok bool, err error)
}

// ExactSource looks up source->target pairs persisted by earlier
// successful runs against the same inventory checksum.
type ExactSource interface {
	Lookup(ctx context.Context, inventoryChecksum, sourceKey string) (targetFieldKey string, ok bool, err error)
}

// Summary counts mappings per layer.
type Summary struct {
	Total      int           `json:"total"`
	Resolved   int           `json:"resolved"`
	Unresolved int           `json:"unresolved"`
	ByLayer    map[Layer]int `json:"byLayer"`
}

// Summarize aggregates a resolver result.
func Summarize(mappings []FieldMapping) Summary {
	s := Summary{Total: len(mappings), ByLayer: map[Layer]int{}}
	for _, m := range mappings {
		s.ByLayer[m.Layer]++
		if m.Resolved {
			s.Resolved++
		} else {
			s.Unresolved++
		}
	}
	return s
}

// Unresolved returns the source keys no layer could place.
func Unresolved(mappings []FieldMapping) []string {
	var out []string
	for _, m := range mappings {
		if !m.Resolved {
			out = append(out, m.SourceKey)
		}
	}
	return out
}
