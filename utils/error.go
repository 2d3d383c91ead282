package utils

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrorRecordNotFound = errors.New("record not found")

// Error taxonomy for the sync core. Batch endpoints capture these per item;
// single-item endpoints surface them directly with the mapped HTTP status.

// ValidationError: malformed item/payload, rejected before dispatch.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError: unknown stocktake/area/device/session.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func NewNotFoundError(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError: the area is held by a different device.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func NewConflictError(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// StateError: operation invalid for the current lifecycle phase.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

func NewStateError(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

// PersistenceError: storage-level failure during an individual apply.
type PersistenceError struct {
	Msg string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func NewPersistenceError(err error, format string, args ...any) error {
	return &PersistenceError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// HTTPStatus maps a taxonomy error to the response status for single-item calls.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		se *StateError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &se):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	case errors.Is(err, ErrorRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
