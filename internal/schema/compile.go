package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CompileDefinitions parses a CUE value into schema definitions.
// Uses the CUE SDK's Go API directly (not a CLI subprocess).
//
// The CUE value should be the document root, e.g.:
//
//	entities: {
//		User: {
//			id: "id"
//			relationships: {
//				profile: "Profile"
//				posts: ["Post"]
//			}
//		}
//	}
func CompileDefinitions(v cue.Value) ([]Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	entities := v.LookupPath(cue.ParsePath("entities"))
	if !entities.Exists() {
		return nil, &CompileError{
			Field:   "entities",
			Message: "entities is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []Definition
	for iter.Next() {
		name := iter.Selector().String()
		def, err := compileEntity(name, iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, &CompileError{
			Field:   "entities",
			Message: "at least one entity is required",
			Pos:     entities.Pos(),
		}
	}
	return defs, nil
}

// CompileFile reads and compiles a CUE schema file from disk.
func CompileFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	return CompileDefinitions(v)
}

// compileEntity parses a single entity struct into a Definition.
func compileEntity(name string, v cue.Value) (Definition, error) {
	def := Definition{
		Name:          name,
		IDAttribute:   "id",
		Relationships: make(map[string]Relationship),
	}

	idVal := v.LookupPath(cue.ParsePath("id"))
	if idVal.Exists() {
		id, err := idVal.String()
		if err != nil {
			return def, formatCUEError(err)
		}
		def.IDAttribute = id
	}

	relsVal := v.LookupPath(cue.ParsePath("relationships"))
	if !relsVal.Exists() {
		return def, nil
	}
	relIter, err := relsVal.Fields()
	if err != nil {
		return def, formatCUEError(err)
	}
	for relIter.Next() {
		field := relIter.Selector().String()
		rel, err := compileRelationship(relIter.Value())
		if err != nil {
			return def, &CompileError{
				Field:   fmt.Sprintf("%s.relationships.%s", name, field),
				Message: err.Error(),
				Pos:     relIter.Value().Pos(),
			}
		}
		def.Relationships[field] = rel
	}
	return def, nil
}

// compileRelationship parses a relationship value: a type name string, or a
// one-element list of a type name for many-valued relationships.
func compileRelationship(v cue.Value) (Relationship, error) {
	switch v.Kind() {
	case cue.StringKind:
		target, err := v.String()
		if err != nil {
			return Relationship{}, err
		}
		if target == "" {
			return Relationship{}, fmt.Errorf("empty relationship target")
		}
		return Relationship{Entity: target}, nil

	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return Relationship{}, err
		}
		var targets []string
		for iter.Next() {
			target, err := iter.Value().String()
			if err != nil {
				return Relationship{}, err
			}
			targets = append(targets, target)
		}
		if len(targets) != 1 {
			return Relationship{}, fmt.Errorf("many-valued relationship must name exactly one type, got %d", len(targets))
		}
		if targets[0] == "" {
			return Relationship{}, fmt.Errorf("empty relationship target")
		}
		return Relationship{Entity: targets[0], IsMany: true}, nil

	default:
		return Relationship{}, fmt.Errorf("relationship must be a type name or [TypeName], got %s", v.Kind())
	}
}

// formatCUEError extracts position information from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return firstErr
}
