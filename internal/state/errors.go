package state

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a save would violate a uniqueness
// invariant (id, alias, port, modelPath).
type ErrConflict struct {
	Field  string
	Value  string
	Holder string
}

func (e *ErrConflict) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s %q already in use", e.Field, e.Value)
	}
	return fmt.Sprintf("%s %q already in use by %q", e.Field, e.Value, e.Holder)
}

// ErrValidation is returned when a field value fails validation.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrAmbiguous is returned when a substring identifier matches more than
// one backend.
type ErrAmbiguous struct {
	Ident   string
	Matches []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("identifier %q is ambiguous: matches %s", e.Ident, strings.Join(e.Matches, ", "))
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}

// IsValidation reports whether err is an ErrValidation.
func IsValidation(err error) bool {
	var v *ErrValidation
	return errors.As(err, &v)
}

// IsAmbiguous reports whether err is an ErrAmbiguous.
func IsAmbiguous(err error) bool {
	var a *ErrAmbiguous
	return errors.As(err, &a)
}
