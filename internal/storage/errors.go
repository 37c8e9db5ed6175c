package storage

import "errors"

// ErrDuplicateSignal is returned when a signal id or in-session fingerprint
// already exists. Callers treat it as an idempotency hit, not a failure.
var ErrDuplicateSignal = errors.New("storage: duplicate signal")

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")
