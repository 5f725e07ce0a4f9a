package answer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const resultSchemaJSON = `{
  "type": "object",
  "required": ["answer"],
  "properties": {
    "answer": {
      "type": "object",
      "required": ["answer"]
    },
    "chunks": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["content"],
        "properties": {
          "content": {"type": "string"},
          "page": {"type": ["integer", "null"]}
        }
      }
    },
    "resolved_entities": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["original", "resolved"],
        "properties": {
          "original": {"type": ["string", "array"], "items": {"type": "string"}},
          "resolved": {"type": ["string", "array"], "items": {"type": "string"}},
          "entityType": {"type": "string"}
        }
      }
    }
  }
}`

var (
	resultSchemaOnce sync.Once
	resultSchema     *gojsonschema.Schema
	resultSchemaErr  error
)

func loadResultSchema() (*gojsonschema.Schema, error) {
	resultSchemaOnce.Do(func() {
		resultSchema, resultSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(resultSchemaJSON))
	})
	return resultSchema, resultSchemaErr
}

// validateResult checks one raw query result against the result schema.
func validateResult(raw json.RawMessage) error {
	schema, err := loadResultSchema()
	if err != nil {
		return fmt.Errorf("load result schema: %w", err)
	}
	doc := strings.TrimSpace(string(raw))
	if doc == "" {
		doc = "null"
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return &ValidationError{Message: fmt.Sprintf("malformed result: %v", err)}
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	return &ValidationError{Errors: items, Message: "result_schema_validation_failed"}
}
