package answer

import (
	"encoding/json"
	"fmt"

	"github.com/user/aigrid/internal/grid"
)

// Result is a validated answer for one query.
type Result struct {
	// Answer is already coerced to the column's declared type.
	Answer           any                   `json:"answer"`
	Chunks           []grid.Chunk          `json:"chunks"`
	ResolvedEntities []grid.ResolvedEntity `json:"resolved_entities"`
	// Fallback is set for results synthesized because no answer arrived.
	Fallback bool `json:"fallback,omitempty"`
}

// FallbackResult is the typed default used when a query never resolves.
func FallbackResult(t grid.ValueType) *Result {
	return &Result{Answer: grid.Fallback(t), Chunks: []grid.Chunk{}, Fallback: true}
}

type wireResult struct {
	Answer           map[string]any `json:"answer"`
	Chunks           []grid.Chunk   `json:"chunks"`
	ResolvedEntities []wireEntity   `json:"resolved_entities"`
}

// wireEntity ignores the service's source field; the reconciler assigns
// the owning column or rule.
type wireEntity struct {
	Original   grid.TextValue `json:"original"`
	Resolved   grid.TextValue `json:"resolved"`
	EntityType string         `json:"entityType"`
}

// decodeResult validates raw against the result schema and decodes it,
// coercing the answer to t.
func decodeResult(raw json.RawMessage, t grid.ValueType) (*Result, error) {
	if err := validateResult(raw); err != nil {
		return nil, err
	}
	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decode result: %v", err)}
	}
	res := &Result{
		Answer: grid.Coerce(t, w.Answer["answer"]),
		Chunks: w.Chunks,
	}
	for _, e := range w.ResolvedEntities {
		res.ResolvedEntities = append(res.ResolvedEntities, grid.ResolvedEntity{
			Original:   e.Original,
			Resolved:   e.Resolved,
			EntityType: e.EntityType,
		})
	}
	if res.Answer == nil {
		res.Answer = grid.Fallback(t)
		res.Fallback = true
	}
	if res.Chunks == nil {
		res.Chunks = []grid.Chunk{}
	}
	return res, nil
}
