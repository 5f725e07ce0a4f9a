// Package query turns table cells into requests for the answering service.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/user/aigrid/internal/grid"
)

// PlaceholderDocumentID stands in for rows that have no source document.
const PlaceholderDocumentID = "00000000000000000000000000000000"

// Query is a runnable request for one cell.
type Query struct {
	RowID string
	// Column is a private copy with back-references already substituted.
	Column     grid.Column
	Rules      []grid.Rule
	DocumentID string
}

// CellKey returns the key of the cell this query answers.
func (q Query) CellKey() string {
	return grid.CellKey(q.RowID, q.Column.ID)
}

// Fallback returns the typed default for this query's column.
func (q Query) Fallback() any {
	return grid.Fallback(q.Column.Type)
}

// Prompt is the question part of a request.
type Prompt struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	Query      string         `json:"query"`
	Type       grid.ValueType `json:"type"`
	Rules      []grid.Rule    `json:"rules"`
}

// Request is the wire body for POST /query and one element of POST /query/batch.
type Request struct {
	DocumentID string `json:"document_id"`
	Prompt     Prompt `json:"prompt"`
}

// Request builds the wire request for q.
func (q Query) Request() Request {
	docID := q.DocumentID
	if docID == "" {
		docID = PlaceholderDocumentID
	}
	rules := q.Rules
	if rules == nil {
		rules = []grid.Rule{}
	}
	return Request{
		DocumentID: docID,
		Prompt: Prompt{
			ID:         q.Column.ID,
			EntityType: q.Column.EntityType,
			Query:      q.Column.Query,
			Type:       q.Column.Type,
			Rules:      rules,
		},
	}
}

// Signature is a stable digest of the request. Two requests with the same
// signature ask the same question of the same document.
func (r Request) Signature() string {
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
