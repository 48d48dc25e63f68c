package completion

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Schema is the response-shape contract sent as a json_schema response
// format and checked again when the payload comes back.
type Schema struct {
	Name       string
	Strict     bool
	Properties map[string]any
	Required   []string
	// AdditionalProperties is omitted from the request when nil, which
	// leaves extra keys permitted.
	AdditionalProperties *bool
}

// Bool returns a pointer to v for Schema.AdditionalProperties.
func Bool(v bool) *bool {
	return &v
}

func (s Schema) jsonSchema() map[string]any {
	properties := s.Properties
	if properties == nil {
		properties = map[string]any{}
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	if s.AdditionalProperties != nil {
		schema["additionalProperties"] = *s.AdditionalProperties
	}
	return schema
}

// Validate checks payload against the contract and returns it as an object.
// Only the top-level shape is enforced: the payload must be an object, every
// required key must be present, and undeclared keys are rejected only when
// AdditionalProperties is explicitly false.
func (s Schema) Validate(payload any) (map[string]any, error) {
	object, ok := payload.(map[string]any)
	if !ok || object == nil {
		return nil, &ValidationError{
			Schema:   s.Name,
			Message:  fmt.Sprintf("expected a JSON object, received %s", describeJSON(payload)),
			Expected: sortedCopy(s.Required),
		}
	}

	received := sortedKeys(object)

	var missing []string
	for _, key := range s.Required {
		if _, present := object[key]; !present {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{
			Schema:   s.Name,
			Message:  "missing required properties",
			Expected: sortedCopy(s.Required),
			Received: received,
			Missing:  missing,
		}
	}

	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		var unexpected []string
		for _, key := range received {
			if _, declared := s.Properties[key]; !declared {
				unexpected = append(unexpected, key)
			}
		}
		if len(unexpected) > 0 {
			return nil, &ValidationError{
				Schema:     s.Name,
				Message:    "unexpected properties",
				Expected:   sortedKeys(s.Properties),
				Received:   received,
				Unexpected: unexpected,
			}
		}
	}

	return object, nil
}

// Decode converts a validated payload into the caller's typed shape.
func Decode[T any](schema string, payload map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, &ValidationError{Schema: schema, Message: "re-encode payload", Err: err}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ValidationError{Schema: schema, Message: "payload does not match the expected shape", Err: err}
	}
	return out, nil
}

func describeJSON(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func sortedKeys[V any](input map[string]V) []string {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
