package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/jwtgate/jwtgate/jwks"
)

// Authority is one trusted token source: a JWKS cache plus the temporal
// policy applied to every token it signs. Authorities are built once at
// configuration load and are immutable afterwards.
type Authority struct {
	name            string
	keys            *jwks.Cache
	leeway          time.Duration
	checkExpiration bool
	checkNotBefore  bool
	refreshInterval time.Duration

	now func() time.Time
}

// Name returns the authority's configured name.
func (a *Authority) Name() string { return a.name }

// Keys returns the authority's key cache.
func (a *Authority) Keys() *jwks.Cache { return a.keys }

// RefreshInterval returns the period of the scheduled JWKS refresh.
func (a *Authority) RefreshInterval() time.Duration { return a.refreshInterval }

// Verify checks a raw token against this authority: structural parse, key
// resolution, signature, then temporal claims. On success it returns the
// verified claim set. Key lookup may block on the authority's first fetch;
// every other step is pure computation.
func (a *Authority) Verify(ctx context.Context, raw []byte) (ClaimSet, error) {
	tok, err := parseToken(raw)
	if err != nil {
		return nil, err
	}

	key, err := a.keys.Key(ctx, tok.kid, tok.alg)
	if err != nil {
		return nil, err
	}

	if _, err := jws.Verify(tok.raw, jws.WithKey(tok.alg, key.Key)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if err := a.checkTemporal(tok.claims); err != nil {
		return nil, err
	}
	return tok.claims, nil
}

func (a *Authority) checkTemporal(claims ClaimSet) error {
	now := a.now()

	if a.checkExpiration {
		exp, ok := claims["exp"]
		if !ok {
			return fmt.Errorf("%w: token has no exp claim", ErrClaimsRejected)
		}
		t, ok := exp.Time()
		if !ok {
			return fmt.Errorf("%w: exp claim is not a timestamp", ErrClaimsRejected)
		}
		if now.After(t.Add(a.leeway)) {
			return fmt.Errorf("%w: token expired at %s", ErrClaimsRejected, t.UTC().Format(time.RFC3339))
		}
	}

	if a.checkNotBefore {
		// nbf is optional; only enforced when present.
		if nbf, ok := claims["nbf"]; ok {
			t, ok := nbf.Time()
			if !ok {
				return fmt.Errorf("%w: nbf claim is not a timestamp", ErrClaimsRejected)
			}
			if now.Before(t.Add(-a.leeway)) {
				return fmt.Errorf("%w: token not valid before %s", ErrClaimsRejected, t.UTC().Format(time.RFC3339))
			}
		}
	}
	return nil
}
