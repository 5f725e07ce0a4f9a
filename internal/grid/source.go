package grid

import (
	"encoding/json"
	"fmt"
)

// Source data kinds
const (
	SourceDocument SourceKind = "document"
	SourceLoading  SourceKind = "loading"
	SourceError    SourceKind = "error"
)

// SourceKind tags the variant held by SourceData.
type SourceKind string

// Document is an uploaded file as described by the answering service.
type Document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Author    string `json:"author"`
	Tag       string `json:"tag"`
	PageCount int    `json:"page_count"`
}

// SourceData is what a row was built from. A nil *SourceData means the row
// has no source at all.
type SourceData struct {
	Kind     SourceKind `json:"type"`
	Document *Document  `json:"document,omitempty"`
	Name     string     `json:"name,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// DocumentSource wraps an uploaded document.
func DocumentSource(doc Document) *SourceData {
	return &SourceData{Kind: SourceDocument, Document: &doc}
}

// LoadingSource marks a file that is still uploading.
func LoadingSource(name string) *SourceData {
	return &SourceData{Kind: SourceLoading, Name: name}
}

// ErrorSource marks a file whose upload failed.
func ErrorSource(name, message string) *SourceData {
	return &SourceData{Kind: SourceError, Name: name, Message: message}
}

// UnmarshalJSON rejects unknown variants and variants missing their payload.
func (s *SourceData) UnmarshalJSON(data []byte) error {
	type raw SourceData
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Kind {
	case SourceDocument:
		if r.Document == nil {
			return fmt.Errorf("source data: document variant without document")
		}
	case SourceLoading, SourceError:
	default:
		return fmt.Errorf("source data: unknown type %q", r.Kind)
	}
	*s = SourceData(r)
	return nil
}

func (s *SourceData) clone() *SourceData {
	if s == nil {
		return nil
	}
	c := *s
	if s.Document != nil {
		d := *s.Document
		c.Document = &d
	}
	return &c
}
