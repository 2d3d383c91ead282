package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewValidationError("bad payload"), http.StatusBadRequest},
		{NewNotFoundError("area %s not found", "a1"), http.StatusNotFound},
		{NewConflictError("claimed by another device"), http.StatusConflict},
		{NewStateError("stocktake is COMPLETED"), http.StatusBadRequest},
		{NewPersistenceError(errors.New("deadlock"), "upsert scan"), http.StatusInternalServerError},
		{ErrorRecordNotFound, http.StatusNotFound},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestHTTPStatusUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("while claiming: %w", NewConflictError("held by other device"))
	if got := HTTPStatus(wrapped); got != http.StatusConflict {
		t.Fatalf("wrapped conflict mapped to %d", got)
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	inner := errors.New("duplicate entry")
	err := NewPersistenceError(inner, "record ledger")
	if !errors.Is(err, inner) {
		t.Fatal("PersistenceError must unwrap to its cause")
	}
}
