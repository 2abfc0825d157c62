// Package jsonschema compiles response contracts once and validates
// response bodies against them.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled contract. It is safe for concurrent use.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document.
func Compile(name, schemaStr string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()

	resource := name + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}

	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}

	return &Schema{name: name, schema: schema}, nil
}

// MustCompile is Compile for schemas declared in code.
func MustCompile(name, schemaStr string) *Schema {
	s, err := Compile(name, schemaStr)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the name the schema was compiled with.
func (s *Schema) Name() string {
	return s.name
}

// ValidateBytes validates a JSON document. It returns nil when the document
// conforms, or ValidationErrors listing every violation.
func (s *Schema) ValidateBytes(doc []byte) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}

	if err := s.schema.Validate(data); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return extractValidationErrors(validationErr)
		}
		return ValidationErrors{err}
	}

	return nil
}

// extractValidationErrors flattens a jsonschema.ValidationError tree
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	var errs ValidationErrors

	if err.Message != "" && len(err.Causes) == 0 {
		errs = append(errs, fmt.Errorf("at %s: %s", err.InstanceLocation, err.Message))
	}

	for _, childErr := range err.Causes {
		errs = append(errs, extractValidationErrors(childErr)...)
	}

	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("at %s: %s", err.InstanceLocation, err.Message))
	}

	return errs
}
