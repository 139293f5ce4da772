package jwks

import "errors"

// Sentinel errors returned from key lookup. Callers distinguish them with
// errors.Is to map failures onto deny reasons.
var (
	// ErrSourceUnavailable means no snapshot exists and the initial fetch
	// failed; there is nothing to verify against.
	ErrSourceUnavailable = errors.New("jwks: key source unavailable")

	// ErrUnknownKey means the snapshot has no key for the requested key id.
	ErrUnknownKey = errors.New("jwks: unknown key id")

	// ErrAlgorithmNotAllowed means a key was found but the requested
	// algorithm disagrees with the key's declared algorithm or falls outside
	// the authority's allow-list.
	ErrAlgorithmNotAllowed = errors.New("jwks: algorithm not allowed")
)
