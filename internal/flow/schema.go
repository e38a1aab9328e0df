package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// FieldType is the kind of value a form field accepts.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldBoolean FieldType = "boolean"
	FieldInteger FieldType = "integer"
	FieldSelect  FieldType = "select"
)

// Field describes one input of a form.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

// Schema is the ordered list of fields shown by a form step.
type Schema []Field

// MarshalJSON encodes a nil schema as an empty list.
func (s Schema) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Field(s))
}

// Field returns the field with the given name.
func (s Schema) Field(name string) (Field, bool) {
	i := slices.IndexFunc(s, func(f Field) bool { return f.Name == name })
	if i < 0 {
		return Field{}, false
	}
	return s[i], true
}

// Validate checks input against the schema and returns per-field error keys,
// or nil when the input is acceptable. Unknown keys are ignored.
func (s Schema) Validate(input Input) map[string]string {
	var errs map[string]string
	fail := func(name, reason string) {
		if errs == nil {
			errs = make(map[string]string)
		}
		errs[name] = reason
	}

	for _, f := range s {
		v, ok := input[f.Name]
		if !ok || v == nil {
			if f.Required && f.Default == nil {
				fail(f.Name, "required")
			}
			continue
		}
		if reason := f.check(v); reason != "" {
			fail(f.Name, reason)
		}
	}
	return errs
}

func (f Field) check(v any) string {
	switch f.Type {
	case FieldString:
		if _, ok := v.(string); !ok {
			return "expected_string"
		}
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return "expected_boolean"
		}
	case FieldInteger:
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			// JSON numbers decode as float64.
			if n != math.Trunc(n) {
				return "expected_integer"
			}
		default:
			return "expected_integer"
		}
	case FieldSelect:
		str, ok := v.(string)
		if !ok || !slices.Contains(f.Options, str) {
			return "invalid_option"
		}
	default:
		return fmt.Sprintf("unsupported_type_%s", f.Type)
	}
	return ""
}
