package couchdb

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound = errors.New("couchdb: not found")
	ErrConflict = errors.New("couchdb: conflict")
)

// Error is one failed server round-trip, decoded from the CouchDB error
// body when the server produced one.
type Error struct {
	Status int    `json:"-"`
	Name   string `json:"error"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("couchdb: status %d", e.Status)
	}
	return fmt.Sprintf("couchdb: %s: %s (status %d)", e.Name, e.Reason, e.Status)
}

// Unwrap maps server statuses onto the sentinel taxonomy so callers can
// use errors.Is without inspecting status codes.
func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	}
	return nil
}

// IsNotFound reports whether err is a missing-document or missing-database
// response.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a revision or existence conflict,
// including the 412 a database create returns when it lost a race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
