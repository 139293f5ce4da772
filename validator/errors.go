package validator

import "errors"

// Verification errors. The evaluator maps these onto deny reasons with
// errors.Is; the jwks package contributes its own sentinels for key lookup
// failures.
var (
	// ErrMalformedToken means the token is not a parseable compact JWS or
	// its payload is not a JSON object.
	ErrMalformedToken = errors.New("validator: malformed token")

	// ErrUnsupportedAlgorithm means the token header names an algorithm the
	// verifier does not implement, including "none".
	ErrUnsupportedAlgorithm = errors.New("validator: unsupported algorithm")

	// ErrInvalidSignature means the signature does not verify under the
	// resolved key.
	ErrInvalidSignature = errors.New("validator: invalid signature")

	// ErrClaimsRejected means a temporal or required-claim check failed; the
	// wrapping message names the claim.
	ErrClaimsRejected = errors.New("validator: claims rejected")

	// ErrConfiguration marks resolution failures. It is startup fatal.
	ErrConfiguration = errors.New("validator: invalid configuration")
)
