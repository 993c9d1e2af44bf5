package domain

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a referenced record does not exist or is not in
// a status expected by the requested view.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError reports an invariant violation, e.g. a second concurrent
// analysis for a session.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

// ValidationError reports malformed caller input such as a missing redo reason.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ForbiddenError reports an operation attempted against a record whose status
// does not permit it.
type ForbiddenError struct {
	Message string
}

func (e ForbiddenError) Error() string { return e.Message }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsForbidden reports whether err wraps a ForbiddenError.
func IsForbidden(err error) bool {
	var f ForbiddenError
	return errors.As(err, &f)
}
