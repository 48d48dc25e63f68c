package completion

import (
	"errors"
	"reflect"
	"testing"
)

func questionsSchema(additional *bool) Schema {
	return Schema{
		Name:                 "questions",
		Properties:           map[string]any{"questions": map[string]any{"type": "array"}},
		Required:             []string{"questions"},
		AdditionalProperties: additional,
	}
}

func TestSchemaValidateRequiredKeys(t *testing.T) {
	schema := Schema{
		Name:       "document",
		Properties: map[string]any{"title": map[string]any{}, "document": map[string]any{}},
		Required:   []string{"title", "document"},
	}

	_, err := schema.Validate(map[string]any{"title": "Doc"})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !reflect.DeepEqual(validationErr.Missing, []string{"document"}) {
		t.Fatalf("unexpected missing keys %v", validationErr.Missing)
	}
	if !reflect.DeepEqual(validationErr.Expected, []string{"document", "title"}) {
		t.Fatalf("unexpected expected keys %v", validationErr.Expected)
	}
	if !reflect.DeepEqual(validationErr.Received, []string{"title"}) {
		t.Fatalf("unexpected received keys %v", validationErr.Received)
	}
}

func TestSchemaValidateAdditionalProperties(t *testing.T) {
	payload := map[string]any{"questions": []any{}, "notes": "extra"}

	tests := []struct {
		name       string
		additional *bool
		wantErr    bool
	}{
		{name: "false rejects extra keys", additional: Bool(false), wantErr: true},
		{name: "true allows extra keys", additional: Bool(true)},
		{name: "unset allows extra keys", additional: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			object, err := questionsSchema(tc.additional).Validate(payload)
			if tc.wantErr {
				var validationErr *ValidationError
				if !errors.As(err, &validationErr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if !reflect.DeepEqual(validationErr.Unexpected, []string{"notes"}) {
					t.Fatalf("unexpected keys reported: %v", validationErr.Unexpected)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if len(object) != 2 {
				t.Fatalf("expected payload to be returned intact, got %v", object)
			}
		})
	}
}

func TestSchemaValidateRejectsNonObjects(t *testing.T) {
	for _, payload := range []any{nil, "text", 12.0, []any{"a"}, true} {
		if _, err := questionsSchema(nil).Validate(payload); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %#v, got %v", payload, err)
		}
	}
}

func TestDecodeReportsShapeMismatch(t *testing.T) {
	type questionsPayload struct {
		Questions []struct {
			Question string `json:"question"`
		} `json:"questions"`
	}

	_, err := Decode[questionsPayload]("questions", map[string]any{"questions": "not a list"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	out, err := Decode[questionsPayload]("questions", map[string]any{
		"questions": []any{map[string]any{"question": "Who?"}},
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(out.Questions) != 1 || out.Questions[0].Question != "Who?" {
		t.Fatalf("unexpected decoded value %+v", out)
	}
}

func TestParseContentRejectsTrailingData(t *testing.T) {
	if _, err := parseContent(`{"a":1} trailing`); err == nil {
		t.Fatal("expected trailing data to fail parsing")
	}
	payload, err := parseContent("```\n{\"a\":1}\n```")
	if err != nil {
		t.Fatalf("parseContent() error = %v", err)
	}
	if payload.(map[string]any)["a"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}
}
