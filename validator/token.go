package validator

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// supportedAlgorithms is the closed set of signature algorithms the verifier
// implements. Anything else, "none" included, is rejected before any key
// lookup or cryptographic work.
var supportedAlgorithms = map[jwa.SignatureAlgorithm]struct{}{
	jwa.RS256: {}, jwa.RS384: {}, jwa.RS512: {},
	jwa.PS256: {}, jwa.PS384: {}, jwa.PS512: {},
	jwa.ES256: {}, jwa.ES384: {}, jwa.ES512: {},
	jwa.HS256: {}, jwa.HS384: {}, jwa.HS512: {},
	jwa.EdDSA: {},
}

// token is the transient, unverified form of one bearer token. raw keeps the
// compact serialization exactly as transmitted so that signature
// verification re-derives the signing input without re-serializing.
type token struct {
	raw    []byte
	kid    string
	alg    jwa.SignatureAlgorithm
	claims ClaimSet
}

func parseToken(raw []byte) (*token, error) {
	msg, err := jws.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature, got %d", ErrMalformedToken, len(sigs))
	}
	hdr := sigs[0].ProtectedHeaders()

	alg := hdr.Algorithm()
	if _, ok := supportedAlgorithms[alg]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg.String())
	}

	claims, err := parseClaims(msg.Payload())
	if err != nil {
		return nil, err
	}

	return &token{
		raw:    raw,
		kid:    hdr.KeyID(),
		alg:    alg,
		claims: claims,
	}, nil
}
