package types

import "errors"

// Error taxonomy surfaced to agents. API handlers map these onto status
// codes; agents retry ErrConflict with backoff and propagate the rest.
var (
	// ErrNotFound means the referenced formation or node does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the transaction lost a serialization conflict
	// and the call should be retried with fresh reads.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState means the catalog is in a logically impossible
	// configuration; the monitor does not attempt self-repair.
	ErrInvalidState = errors.New("invalid state")

	// ErrBadRequest means the request failed validation at the API
	// boundary.
	ErrBadRequest = errors.New("bad request")
)
