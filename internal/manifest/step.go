package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Step is a composition's reference to another action.
type Step struct {
	ID     string         `json:"id"`
	Uses   string         `json:"uses"`
	Inputs StepInputs     `json:"inputs"`
	Types  map[string]any `json:"types"`
}

// StepInputs holds a step's input bindings in either surface form. Exactly
// one of Named and Positional is set; both nil means no bindings were given.
// Positional bindings are zipped against the callee's declared input order
// during flattening, once the callee manifest is available.
type StepInputs struct {
	Named      map[string]any
	Positional []any
}

// UnmarshalJSON accepts an object (named form) or an array (positional form).
func (si *StepInputs) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '{':
		return json.Unmarshal(data, &si.Named)
	case '[':
		return json.Unmarshal(data, &si.Positional)
	default:
		return fmt.Errorf("step inputs must be an object or an array")
	}
}

// MarshalJSON writes back whichever form is populated.
func (si StepInputs) MarshalJSON() ([]byte, error) {
	if si.Positional != nil {
		return json.Marshal(si.Positional)
	}
	if si.Named == nil {
		return []byte("null"), nil
	}
	return json.Marshal(si.Named)
}

// StepList decodes a composition's steps from either a JSON array or a JSON
// object keyed by step id. The object form preserves source order by reading
// keys in document order.
type StepList []Step

// UnmarshalJSON decodes the array form directly and walks tokens for the
// object form so that declaration order survives.
func (sl *StepList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(data, (*[]Step)(sl))
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("steps must be an array or an object")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil { // opening brace
		return err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		id, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("step key is not a string")
		}
		var s Step
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("step %q: %w", id, err)
		}
		if s.ID == "" {
			s.ID = id
		} else if s.ID != id {
			return fmt.Errorf("step key %q disagrees with id %q", id, s.ID)
		}
		*sl = append(*sl, s)
	}
	return nil
}
