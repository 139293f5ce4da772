// Package testkit provides an in-process token issuer for tests: an
// httptest server that serves a JWKS document and signs tokens which verify
// against it, so the full fetch-verify-decide path runs without a real
// identity provider.
package testkit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Issuer is a mock authority: one JWKS endpoint plus token signing.
type Issuer struct {
	server   *httptest.Server
	requests atomic.Int64

	mu      sync.Mutex
	signers []*RSASigner
	active  *RSASigner
}

// NewIssuer starts an issuer with a single RSA key.
func NewIssuer() *Issuer {
	iss := &Issuer{}
	iss.addKey("test-key-1")

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	return iss
}

// Close shuts the JWKS server down.
func (iss *Issuer) Close() {
	iss.server.Close()
}

// JWKSURL returns the URL of the served key set.
func (iss *Issuer) JWKSURL() string {
	return iss.server.URL + "/.well-known/jwks.json"
}

// Requests returns how many times the JWKS endpoint has been hit, 304s
// included. Refresh deduplication is asserted against this counter.
func (iss *Issuer) Requests() int64 {
	return iss.requests.Load()
}

// KID returns the active signing key's id.
func (iss *Issuer) KID() string {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.active.KID()
}

// Rotate replaces the published key set with a single fresh key and makes
// it the active signer. Previously issued tokens stop resolving.
func (iss *Issuer) Rotate(kid string) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.signers = nil
	iss.addKeyLocked(kid)
}

// AddKey publishes an additional key without changing the active signer.
func (iss *Issuer) AddKey(kid string) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.addKeyLocked(kid)
}

func (iss *Issuer) addKey(kid string) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.addKeyLocked(kid)
}

func (iss *Issuer) addKeyLocked(kid string) {
	signer, err := NewRSASigner(2048, kid)
	if err != nil {
		panic("testkit: generate RSA key: " + err.Error())
	}
	iss.signers = append(iss.signers, signer)
	iss.active = signer
}

// handleJWKS serves the current key set with a content-derived ETag and
// answers matching conditional requests with 304, so refresh tests can
// exercise the not-modified path against a real server.
func (iss *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	iss.requests.Add(1)

	iss.mu.Lock()
	body := KeySetDocument(iss.signers...)
	iss.mu.Unlock()

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(body)
}

// Token signs claims with the active key.
func (iss *Issuer) Token(claims jwt.MapClaims) string {
	iss.mu.Lock()
	signer := iss.active
	iss.mu.Unlock()

	token, err := signer.Sign(claims)
	if err != nil {
		panic("testkit: sign token: " + err.Error())
	}
	return token
}

// TokenWith signs claims with an explicit method and kid, for negative
// tests (unknown kid, algorithm mismatch).
func (iss *Issuer) TokenWith(method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	iss.mu.Lock()
	signer := iss.active
	iss.mu.Unlock()

	token, err := signer.SignWith(method, kid, claims)
	if err != nil {
		panic("testkit: sign token: " + err.Error())
	}
	return token
}

// Claims builds a baseline claim set with sub and a TTL-relative exp.
func Claims(sub string, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
}
