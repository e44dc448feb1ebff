// Package schema validates outbound event payloads against embedded JSON
// schemas.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// FieldError is a single schema violation.
type FieldError struct {
	Field       string
	Description string
	Value       interface{}
}

func (e FieldError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Description, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// ValidationError lists every violation found in one event.
type ValidationError struct {
	EventType string
	Errors    []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("invalid %s event: %s", e.EventType, strings.Join(msgs, "; "))
}

// Validator validates events by event type. Schemas compile lazily once.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

func New() *Validator {
	return &Validator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Validate checks event against the schema registered for eventType.
func (v *Validator) Validate(eventType string, event any) error {
	s, err := v.schema(eventType)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{EventType: eventType}
	for _, e := range result.Errors() {
		verr.Errors = append(verr.Errors, FieldError{
			Field:       e.Field(),
			Description: e.Description(),
			Value:       e.Value(),
		})
	}
	return verr
}

func (v *Validator) schema(eventType string) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[eventType]; ok {
		return s, nil
	}
	raw, err := schemaFS.ReadFile("schemas/" + eventType + ".json")
	if err != nil {
		return nil, fmt.Errorf("no schema for event type %q", eventType)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", eventType, err)
	}
	v.schemas[eventType] = s
	return s, nil
}
