package testkit

import (
	"crypto/rand"
	"crypto/rsa"

	jwt "github.com/golang-jwt/jwt/v5"
)

// RSASigner signs test tokens with an in-memory RSA key.
type RSASigner struct {
	key *rsa.PrivateKey
	kid string
}

// NewRSASigner generates a fresh RSA key pair for signing test tokens.
func NewRSASigner(bits int, kid string) (*RSASigner, error) {
	if bits == 0 {
		bits = 2048
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &RSASigner{key: k, kid: kid}, nil
}

// KID returns the signer's key id.
func (s *RSASigner) KID() string { return s.kid }

// Algorithm returns the JWS algorithm used by Sign.
func (s *RSASigner) Algorithm() string { return jwt.SigningMethodRS256.Alg() }

// PublicKey returns the verifying half of the key pair.
func (s *RSASigner) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// Sign creates an RS256 token carrying the signer's kid.
func (s *RSASigner) Sign(claims jwt.MapClaims) (string, error) {
	return s.SignWith(jwt.SigningMethodRS256, s.kid, claims)
}

// SignWith creates a token with an explicit method and kid, for tests that
// need mismatched algorithms or unknown key ids.
func (s *RSASigner) SignWith(method jwt.SigningMethod, kid string, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	} else {
		delete(token.Header, "kid")
	}
	return token.SignedString(s.key)
}
