package grid

import (
	"errors"
	"strings"
)

// KeyDelimiter separates the row and column ids inside a cell key.
const KeyDelimiter = "|"

// ErrInvalidID is returned for ids that cannot take part in a cell key.
var ErrInvalidID = errors.New("id must be non-empty and must not contain " + KeyDelimiter)

// CellKey joins a row id and a column id.
func CellKey(rowID, columnID string) string {
	return rowID + KeyDelimiter + columnID
}

// SplitCellKey reverses CellKey.
func SplitCellKey(key string) (rowID, columnID string, ok bool) {
	rowID, columnID, ok = strings.Cut(key, KeyDelimiter)
	if !ok || rowID == "" || columnID == "" || strings.Contains(columnID, KeyDelimiter) {
		return "", "", false
	}
	return rowID, columnID, true
}

// ValidateID reports whether id can be used as a row or column id.
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, KeyDelimiter) {
		return ErrInvalidID
	}
	return nil
}
