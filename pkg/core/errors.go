package core

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Error kinds. Every error returned by a component matches exactly one of them
// (or none, for unexpected infrastructure failures).
var (
	// ErrValidation is returned for malformed input: bad shape, missing field, failed constraint
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when input collides with existing state (e.g. @unique)
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when an operation requires a target that does not exist
	ErrNotFound = errors.New("not found")

	// ErrReferentialIntegrity is returned when a relationship endpoint does not exist
	ErrReferentialIntegrity = errors.New("referenced entity not found")

	// ErrMigration is returned when a raw migration statement fails and was rolled back
	ErrMigration = errors.New("migration failed")

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrEmptyQuery is returned when a search is called with empty query text
	ErrEmptyQuery = errors.New("empty query")

	// ErrUnavailable marks transient failures of external collaborators
	ErrUnavailable = errors.New("unavailable")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op      string   // Operation name
	Err     error    // Underlying error, wraps one of the kinds above
	Details []string // Validation messages, if any
}

// Error implements the error interface
func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("sqgraph: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapError wraps an error with operation context. Errors that already carry
// a StoreError keep their original operation.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Errorf builds a StoreError of the given kind
func Errorf(op string, kind error, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

// ValidationError builds an ErrValidation StoreError carrying the individual messages
func ValidationError(op string, details ...string) error {
	return &StoreError{Op: op, Err: ErrValidation, Details: details}
}

// ConflictError builds an ErrConflict StoreError carrying the individual messages
func ConflictError(op string, details ...string) error {
	return &StoreError{Op: op, Err: ErrConflict, Details: details}
}

// NotFound builds an ErrNotFound StoreError for a missing target
func NotFound(op, what string) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", ErrNotFound, what)}
}

// Details returns the validation messages attached to err, if any
func Details(err error) []string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Details
	}
	return nil
}

// Kind returns the sentinel kind err matches, or nil
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrConflict, ErrNotFound, ErrReferentialIntegrity,
		ErrMigration, ErrStoreClosed, ErrEmptyQuery, ErrUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a SQLite primary key or unique constraint failure
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// EmptyQueryError builds the rejection for a search without query text. It
// matches both ErrValidation and ErrEmptyQuery.
func EmptyQueryError(op string) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %w", ErrValidation, ErrEmptyQuery)}
}
