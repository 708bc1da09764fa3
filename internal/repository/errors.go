// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// reservation manager, the scheduler and the HTTP handlers to distinguish
// between different failure scenarios without inspecting driver errors.
package repository

import "errors"

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own, such as releasing a reservation
// held by another requester. Handlers translate this into HTTP 403.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an insert is rejected by a uniqueness
// constraint: the slot is already held, or a transfer record already
// exists for the payment. Handlers translate this into HTTP 409.
var ErrConflict = errors.New("conflict")

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned when a conditional state transition
// matched no row because the record is not in a state that allows it.
var ErrInvalidState = errors.New("invalid state for transition")

// ErrClaimLost is returned when a transition fenced on a claim token
// matched no row: the lease expired and another tick reclaimed the record.
var ErrClaimLost = errors.New("claim lease lost")
