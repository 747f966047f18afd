// Package schema implements the SchemaRegistry: storage, compilation, and
// enforcement of JSON Schema (Draft-07) templates for entity payloads.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"deltadb/pkg/fs"
)

var (
	// ErrSchemaNotFound is returned when no template exists for a schema ID.
	ErrSchemaNotFound = errors.New("schema not found")
	// ErrInvalidSchema is returned when a template is not a JSON object or
	// does not compile under Draft-07.
	ErrInvalidSchema = errors.New("invalid schema")
)

// ValidationError describes a single schema violation.
type ValidationError struct {
	Field       string `json:"field"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ValidationResult is the outcome of a Validate call.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Registry stores JSON Schema templates in the storage backend and keeps
// compiled schemas cached in memory. Validation is strict Draft-07: a
// template that fails to compile is rejected at Put time, never stored.
type Registry struct {
	backend fs.Backend

	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema
}

// NewRegistry creates a Registry over the given backend. Existing templates
// are compiled lazily on first use.
func NewRegistry(backend fs.Backend) *Registry {
	return &Registry{
		backend:  backend,
		compiled: make(map[string]*gojsonschema.Schema),
	}
}

// compile parses and compiles a template under Draft-07.
func compile(schemaData []byte) (*gojsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaData, &doc); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidSchema, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: template must be a JSON object", ErrInvalidSchema)
	}

	sl := gojsonschema.NewSchemaLoader()
	sl.Draft = gojsonschema.Draft7
	sl.AutoDetect = false
	sl.Validate = true
	schema, err := sl.Compile(gojsonschema.NewBytesLoader(schemaData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return schema, nil
}

// Put validates, compiles, and stores a template. An existing template with
// the same ID is replaced and its cached compilation dropped.
func (r *Registry) Put(schemaID string, schemaData []byte) error {
	if err := fs.ValidateName(schemaID); err != nil {
		return err
	}
	schema, err := compile(schemaData)
	if err != nil {
		return err
	}
	if err := r.backend.WriteTemplate(schemaID, schemaData); err != nil {
		return err
	}
	r.mu.Lock()
	r.compiled[schemaID] = schema
	r.mu.Unlock()
	return nil
}

// Get returns the raw template bytes for a schema ID.
func (r *Registry) Get(schemaID string) ([]byte, error) {
	if err := fs.ValidateName(schemaID); err != nil {
		return nil, err
	}
	data, err := r.backend.ReadTemplate(schemaID)
	if err != nil {
		if errors.Is(err, fs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, schemaID)
		}
		return nil, err
	}
	return data, nil
}

// load returns the compiled schema for schemaID, compiling from the backend
// on a cache miss.
func (r *Registry) load(schemaID string) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	schema, ok := r.compiled[schemaID]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	data, err := r.Get(schemaID)
	if err != nil {
		return nil, err
	}
	schema, err = compile(data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.compiled[schemaID] = schema
	r.mu.Unlock()
	return schema, nil
}

// Validate checks jsonData against the template for schemaID. An empty
// schemaID means the entity is schema-less and always passes. A schema ID
// with no stored template fails with ErrSchemaNotFound; absence of a
// declared schema is never treated as permission to skip validation.
func (r *Registry) Validate(schemaID string, jsonData []byte) (*ValidationResult, error) {
	if schemaID == "" {
		return &ValidationResult{Valid: true}, nil
	}

	schema, err := r.load(schemaID)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:       "(root)",
				Type:        "invalid_json",
				Description: fmt.Sprintf("invalid JSON: %v", err),
			}},
		}, nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	vr := &ValidationResult{Valid: result.Valid()}
	for _, verr := range result.Errors() {
		vr.Errors = append(vr.Errors, ValidationError{
			Field:       verr.Field(),
			Type:        verr.Type(),
			Description: verr.Description(),
		})
	}
	return vr, nil
}

// List returns the schema IDs of all stored templates.
func (r *Registry) List() ([]string, error) {
	return r.backend.ListTemplates()
}

// Invalidate drops the cached compilation for a schema ID. Used when
// another process may have replaced the stored template.
func (r *Registry) Invalidate(schemaID string) {
	r.mu.Lock()
	delete(r.compiled, schemaID)
	r.mu.Unlock()
}
