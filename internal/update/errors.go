package update

import (
	"errors"
	"fmt"
)

// InvalidStrategyError indicates an unknown update strategy. Fatal to the
// dispatch that carried it; the reducer validates before mutating, so state
// is never corrupted.
type InvalidStrategyError struct {
	Strategy Strategy
}

// Error implements the error interface.
func (e *InvalidStrategyError) Error() string {
	return fmt.Sprintf("invalid update strategy %q", string(e.Strategy))
}

// IsInvalidStrategy returns true if the error is an InvalidStrategyError.
// Uses errors.As to handle wrapped errors.
func IsInvalidStrategy(err error) bool {
	var ie *InvalidStrategyError
	return errors.As(err, &ie)
}

// TypeMismatchError indicates an array operation against a non-array field
// (or a malformed strategy payload). Fatal to the whole batch; the fold is
// all-or-nothing.
type TypeMismatchError struct {
	Entity   string
	ID       string
	Field    string
	Expected string
	Got      any
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s(%s).%s: expected %s, got %T", e.Entity, e.ID, e.Field, e.Expected, e.Got)
}

// IsTypeMismatch returns true if the error is a TypeMismatchError.
// Uses errors.As to handle wrapped errors.
func IsTypeMismatch(err error) bool {
	var te *TypeMismatchError
	return errors.As(err, &te)
}
