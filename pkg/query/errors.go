package query

import (
	"errors"
	"fmt"
)

// InvalidQueryError is returned when a query is malformed. It is fatal to
// that request only and is raised before dispatch.
type InvalidQueryError struct {
	error
}

// NewInvalidQueryError wraps err as an InvalidQueryError.
func NewInvalidQueryError(err error) InvalidQueryError {
	return InvalidQueryError{fmt.Errorf("invalid query: %w", err)}
}

func (err InvalidQueryError) Unwrap() error { return err.error }

// IsInvalidQuery returns true if err wraps an InvalidQueryError.
func IsInvalidQuery(err error) bool {
	var iqe InvalidQueryError
	return errors.As(err, &iqe)
}
