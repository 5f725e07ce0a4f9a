package grid

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TextValue holds either a single string or a list of strings, preserving
// which shape it arrived in.
type TextValue struct {
	Values []string
	List   bool
}

// Text returns a single-string TextValue.
func Text(s string) TextValue { return TextValue{Values: []string{s}} }

// TextList returns a list-shaped TextValue.
func TextList(ss ...string) TextValue {
	return TextValue{Values: append([]string{}, ss...), List: true}
}

// Joined returns the values separated by a single space.
func (v TextValue) Joined() string {
	return strings.Join(v.Values, " ")
}

func (v TextValue) MarshalJSON() ([]byte, error) {
	if v.List {
		if v.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Values)
	}
	if len(v.Values) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(v.Values[0])
}

func (v *TextValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Text(s)
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return fmt.Errorf("text value: expected string or array of strings: %w", err)
	}
	*v = TextList(ss...)
	return nil
}

func (v TextValue) clone() TextValue {
	return TextValue{Values: append([]string(nil), v.Values...), List: v.List}
}
