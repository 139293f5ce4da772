// Package jwks acquires and caches the verifying keys of one authority.
//
// Each authority owns a Cache. The cache holds an immutable Snapshot that is
// replaced wholesale on every successful refresh; verifications in progress
// keep reading the snapshot they started with. Refreshes are deduplicated so
// that any number of concurrent callers produce at most one network fetch.
package jwks

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Key is one verifying key together with the algorithm its JWKS entry
// declares. Alg is empty when the entry carries no alg member.
type Key struct {
	ID  string
	Alg jwa.SignatureAlgorithm
	Key jwk.Key
}

// Snapshot is an immutable view of one successfully fetched key set.
type Snapshot struct {
	byID      map[string]Key
	all       []Key
	fetchedAt time.Time
}

func newSnapshot(set jwk.Set, now time.Time) *Snapshot {
	s := &Snapshot{
		byID:      make(map[string]Key, set.Len()),
		fetchedAt: now,
	}
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		entry := Key{ID: k.KeyID(), Key: k}
		if alg, ok := k.Algorithm().(jwa.SignatureAlgorithm); ok {
			entry.Alg = alg
		}
		s.all = append(s.all, entry)
		if entry.ID != "" {
			s.byID[entry.ID] = entry
		}
	}
	return s
}

// Lookup finds the key for kid. When the token carries no kid the set must
// identify the key some other way: a single-key set matches directly, and a
// multi-key set matches when exactly one key is declared for the token's
// algorithm.
func (s *Snapshot) Lookup(kid string, alg jwa.SignatureAlgorithm) (Key, bool) {
	if kid != "" {
		k, ok := s.byID[kid]
		return k, ok
	}
	if len(s.all) == 1 {
		return s.all[0], true
	}
	var match Key
	matches := 0
	for _, k := range s.all {
		if k.Alg != "" && k.Alg == alg {
			match = k
			matches++
		}
	}
	if matches == 1 {
		return match, true
	}
	return Key{}, false
}

// Len returns the number of keys in the snapshot.
func (s *Snapshot) Len() int { return len(s.all) }

// FetchedAt returns when the snapshot was obtained.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }
