package entity

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrorCodeConflict      ErrorCode = "CONFLICT"
	ErrorCodeInvalidCursor ErrorCode = "INVALID_CURSOR"
)

// StoreError wraps a failure of an entity store round-trip.
type StoreError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("entity %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("entity %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return &StoreError{Code: ErrorCodeUnavailable, Op: op, Err: err}
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// IsUnavailable reports whether err is a failed store round-trip.
func IsUnavailable(err error) bool { return hasCode(err, ErrorCodeUnavailable) }

// IsConflict reports whether err is a lost conditional write.
func IsConflict(err error) bool { return hasCode(err, ErrorCodeConflict) }

// IsInvalidCursor reports whether err comes from a malformed or foreign cursor.
func IsInvalidCursor(err error) bool { return hasCode(err, ErrorCodeInvalidCursor) }
