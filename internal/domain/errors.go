// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the authority rejected a state change (e.g. regressing a completed session).
var ErrConflict = errors.New("conflict: change rejected by authority")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation")

// ErrMalformed indicates a payload is missing required fields or has an unexpected shape.
var ErrMalformed = errors.New("malformed payload")
