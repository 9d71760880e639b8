package schema

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
)

// SchemaNotFoundError indicates a lookup against an unregistered entity
// type. Always surfaced to the caller, never silently recovered.
type SchemaNotFoundError struct {
	Name string
}

// Error implements the error interface.
func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("schema %q is not registered", e.Name)
}

// IsSchemaNotFound returns true if the error is a SchemaNotFoundError.
// Uses errors.As to handle wrapped errors.
func IsSchemaNotFound(err error) bool {
	var se *SchemaNotFoundError
	return errors.As(err, &se)
}

// UnresolvedRelationshipError indicates a declared relationship whose
// target never registered. Reported by Registry.Finalize.
type UnresolvedRelationshipError struct {
	Schema string
	Field  string
	Target string
}

// Error implements the error interface.
func (e *UnresolvedRelationshipError) Error() string {
	return fmt.Sprintf("schema %q field %q references unregistered type %q", e.Schema, e.Field, e.Target)
}

// IsUnresolvedRelationship returns true if the error is an
// UnresolvedRelationshipError. Uses errors.As to handle wrapped errors.
func IsUnresolvedRelationship(err error) bool {
	var ue *UnresolvedRelationshipError
	return errors.As(err, &ue)
}

// CompileError represents a schema compilation failure with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %s: %s", e.Pos, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
