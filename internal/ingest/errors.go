package ingest

import (
	"errors"
	"fmt"
	"net/http"

	"soundlines.art/internal/persistence/store"
)

var (
	ErrBadInput = errors.New("bad input")
	ErrNotFound = errors.New("not found")
)

func badInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadInput, fmt.Sprintf(format, args...))
}

// StatusCode maps a façade error to the HTTP status a handler should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
