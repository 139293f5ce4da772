package jwks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwtgate/jwtgate/testkit"
)

// fakeFetcher serves a canned JWKS body and counts invocations.
type fakeFetcher struct {
	mu    sync.Mutex
	body  []byte
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return FetchResult{}, f.err
	}
	return FetchResult{Body: f.body}, nil
}

func (f *fakeFetcher) set(body []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
	f.err = err
}

func jwksBody(t *testing.T, signers ...*testkit.RSASigner) []byte {
	t.Helper()
	return testkit.KeySetDocument(signers...)
}

func newSigner(t *testing.T, kid string) *testkit.RSASigner {
	t.Helper()
	s, err := testkit.NewRSASigner(2048, kid)
	require.NoError(t, err)
	return s
}

func TestKeyColdStartDeduplicatesFetches(t *testing.T) {
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Key(context.Background(), "k1", jwa.RS256)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestKeyDoesNotBlockWhenWarm(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
	require.NoError(t, cache.Refresh(context.Background()))
	require.True(t, cache.Ready())

	// A warm lookup must not reach the fetcher, even for a miss.
	fetcher.delay = time.Hour
	_, err := cache.Key(context.Background(), "k1", jwa.RS256)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestKeyInitialFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(nil, errors.New("connection refused"))
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))

	_, err := cache.Key(context.Background(), "k1", jwa.RS256)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.False(t, cache.Ready())
}

func TestRefreshFailureServesStale(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
	require.NoError(t, cache.Refresh(context.Background()))

	fetcher.set(nil, errors.New("upstream down"))
	assert.Error(t, cache.Refresh(context.Background()))

	// The previous snapshot keeps serving.
	_, err := cache.Key(context.Background(), "k1", jwa.RS256)
	assert.NoError(t, err)
}

func TestRefreshMalformedDocumentServesStale(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
	require.NoError(t, cache.Refresh(context.Background()))

	fetcher.set([]byte("not json"), nil)
	assert.Error(t, cache.Refresh(context.Background()))

	_, err := cache.Key(context.Background(), "k1", jwa.RS256)
	assert.NoError(t, err)
}

func TestSnapshotReplacementIsAtomic(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
	require.NoError(t, cache.Refresh(context.Background()))

	old, err := cache.Key(context.Background(), "k1", jwa.RS256)
	require.NoError(t, err)

	// Rotate the key set out from under the holder of the old key.
	fetcher.set(jwksBody(t, newSigner(t, "k2")), nil)
	require.NoError(t, cache.Refresh(context.Background()))

	// The old key value is still intact for a verification in progress.
	assert.Equal(t, "k1", old.ID)
	assert.NotNil(t, old.Key)

	_, err = cache.Key(context.Background(), "k1", jwa.RS256)
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = cache.Key(context.Background(), "k2", jwa.RS256)
	assert.NoError(t, err)
}

func TestKeyUnknownKid(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	// Miss-triggered refresh disabled so the call count stays deterministic.
	cache := NewCache("main", "http://example.com/jwks",
		WithFetcher(fetcher), WithMissRefreshInterval(0))
	require.NoError(t, cache.Refresh(context.Background()))

	_, err := cache.Key(context.Background(), "nope", jwa.RS256)
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestKeyMissRefreshIsBounded(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	cache := NewCache("main", "http://example.com/jwks",
		WithFetcher(fetcher), WithMissRefreshInterval(time.Hour))
	require.NoError(t, cache.Refresh(context.Background()))

	// A burst of bogus kids triggers at most one early refresh.
	for i := 0; i < 20; i++ {
		_, err := cache.Key(context.Background(), "bogus", jwa.RS256)
		assert.ErrorIs(t, err, ErrUnknownKey)
	}
	assert.Eventually(t, func() bool {
		return fetcher.calls.Load() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestKeyAlgorithmChecks(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)

	t.Run("declared algorithm mismatch", func(t *testing.T) {
		cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
		require.NoError(t, cache.Refresh(context.Background()))

		// The key is declared for RS256; a token asking for RS384 is an
		// algorithm confusion attempt, not an unknown key.
		_, err := cache.Key(context.Background(), "k1", jwa.RS384)
		assert.ErrorIs(t, err, ErrAlgorithmNotAllowed)
		assert.NotErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("authority allow-list", func(t *testing.T) {
		cache := NewCache("main", "http://example.com/jwks",
			WithFetcher(fetcher),
			WithAllowedAlgorithms([]jwa.SignatureAlgorithm{jwa.ES256}))
		require.NoError(t, cache.Refresh(context.Background()))

		_, err := cache.Key(context.Background(), "k1", jwa.RS256)
		assert.ErrorIs(t, err, ErrAlgorithmNotAllowed)
	})

	t.Run("empty allow-list accepts declared algorithm", func(t *testing.T) {
		cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
		require.NoError(t, cache.Refresh(context.Background()))

		key, err := cache.Key(context.Background(), "k1", jwa.RS256)
		require.NoError(t, err)
		assert.Equal(t, jwa.RS256, key.Alg)
	})
}

func TestSnapshotLookup(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "only")), nil)
	cache := NewCache("main", "http://example.com/jwks", WithFetcher(fetcher))
	require.NoError(t, cache.Refresh(context.Background()))

	// A token without kid resolves against a single-key set.
	key, err := cache.Key(context.Background(), "", jwa.RS256)
	require.NoError(t, err)
	assert.Equal(t, "only", key.ID)

	// With two keys declared for the same algorithm an empty kid is
	// ambiguous.
	fetcher.set(jwksBody(t, newSigner(t, "a"), newSigner(t, "b")), nil)
	require.NoError(t, cache.Refresh(context.Background()))
	_, err = cache.Key(context.Background(), "", jwa.RS256)
	assert.ErrorIs(t, err, ErrUnknownKey)

	// When exactly one key is declared for the token's algorithm, the
	// declaration disambiguates.
	fetcher.set(testkit.KeySet(
		newSigner(t, "a").JWK("RS256"),
		newSigner(t, "b").JWK("RS384"),
	), nil)
	require.NoError(t, cache.Refresh(context.Background()))
	key, err = cache.Key(context.Background(), "", jwa.RS384)
	require.NoError(t, err)
	assert.Equal(t, "b", key.ID)
}

func TestCacheInheritsWarmState(t *testing.T) {
	const url = "http://example.com/jwks"
	fetcher := &fakeFetcher{}
	fetcher.set(jwksBody(t, newSigner(t, "k1")), nil)
	old := NewCache("main", url, WithFetcher(fetcher))
	require.NoError(t, old.Refresh(context.Background()))

	// The replacement cache points at a source that is now down; the
	// inherited snapshot must keep serving without a fetch.
	down := &fakeFetcher{}
	down.set(nil, errors.New("connection refused"))
	next := NewCache("main", url, WithFetcher(down), WithMissRefreshInterval(0))
	next.Inherit(old)

	require.True(t, next.Ready())
	_, err := next.Key(context.Background(), "k1", jwa.RS256)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), down.calls.Load())
	assert.Equal(t, old.LastRefresh(), next.LastRefresh())

	// A different URL is a different key universe; nothing carries over.
	other := NewCache("main", "http://elsewhere.example.com/jwks", WithFetcher(down))
	other.Inherit(old)
	assert.False(t, other.Ready())
}

func TestHTTPFetcherConditionalRequests(t *testing.T) {
	iss := testkit.NewIssuer()
	defer iss.Close()

	fetcher := NewHTTPFetcher(5 * time.Second)

	first, err := fetcher.Fetch(context.Background(), FetchRequest{URL: iss.JWKSURL()})
	require.NoError(t, err)
	require.False(t, first.NotModified)
	require.NotEmpty(t, first.Body)
	require.NotEmpty(t, first.ETag)

	second, err := fetcher.Fetch(context.Background(), FetchRequest{URL: iss.JWKSURL(), ETag: first.ETag})
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, int64(2), iss.Requests())
}
