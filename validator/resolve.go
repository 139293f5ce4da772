package validator

import (
	"fmt"
	"sort"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/sirupsen/logrus"

	"github.com/jwtgate/jwtgate/config"
	"github.com/jwtgate/jwtgate/jwks"
	"github.com/jwtgate/jwtgate/metrics"
)

// Options carries the collaborators resolution wires into authorities and
// caches. Zero values get sensible defaults.
type Options struct {
	// Fetcher retrieves JWKS documents; defaults to an HTTP fetcher with
	// the standard timeout.
	Fetcher jwks.Fetcher

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Clock overrides time.Now for temporal claim checks (tests).
	Clock func() time.Time

	// MissRefreshInterval bounds early refreshes triggered by key-id
	// misses; zero keeps the cache default.
	MissRefreshInterval time.Duration

	// Previous, when set, is the registry being replaced. Authorities that
	// resolve to a JWKS URL the previous registry already fetched inherit
	// its warm snapshot instead of starting cold.
	Previous *Registry
}

// Registry is the immutable name→Validator table produced by Resolve,
// together with the authorities backing it.
type Registry struct {
	validators  map[string]*Validator
	authorities map[string]*Authority
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
}

// Validator looks up a validator by name.
func (r *Registry) Validator(name string) (*Validator, bool) {
	v, ok := r.validators[name]
	return v, ok
}

// Names returns the validator names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.validators))
	for name := range r.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cacheForURL returns the key cache of any authority fetching url, or nil.
func (r *Registry) cacheForURL(url string) *jwks.Cache {
	for _, a := range r.authorities {
		if a.keys.URL() == url {
			return a.keys
		}
	}
	return nil
}

// Authorities returns every resolved authority.
func (r *Registry) Authorities() []*Authority {
	out := make([]*Authority, 0, len(r.authorities))
	for _, a := range r.authorities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Resolve merges every declared validator with its template chain and binds
// it to its authority, producing the immutable table the evaluator consumes.
// Any unresolvable reference is a startup-fatal configuration error; there
// is no partial success.
func Resolve(cfg *config.File, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	authorities := make(map[string]*Authority, len(cfg.Authorities))
	for name, ac := range cfg.Authorities {
		algs, err := parseAlgorithms(ac.ApprovedAlgorithms)
		if err != nil {
			return nil, fmt.Errorf("%w: authority %q: %v", ErrConfiguration, name, err)
		}
		cacheOpts := []jwks.CacheOption{
			jwks.WithLogger(opts.Logger),
			jwks.WithMetrics(opts.Metrics),
			jwks.WithAllowedAlgorithms(algs),
		}
		if opts.Fetcher != nil {
			cacheOpts = append(cacheOpts, jwks.WithFetcher(opts.Fetcher))
		}
		if opts.MissRefreshInterval > 0 {
			cacheOpts = append(cacheOpts, jwks.WithMissRefreshInterval(opts.MissRefreshInterval))
		}
		cache := jwks.NewCache(name, ac.JWKSURL, cacheOpts...)
		if opts.Previous != nil {
			cache.Inherit(opts.Previous.cacheForURL(ac.JWKSURL))
		}
		authorities[name] = &Authority{
			name:            name,
			keys:            cache,
			leeway:          ac.Leeway(),
			checkExpiration: ac.ExpirationChecked(),
			checkNotBefore:  ac.NotBeforeChecked(),
			refreshInterval: ac.RefreshInterval(),
			now:             opts.Clock,
		}
	}

	validators := make(map[string]*Validator, len(cfg.Validators))
	for name, partial := range cfg.Validators {
		merged, err := mergeTemplates(name, partial, cfg.Templates)
		if err != nil {
			return nil, err
		}
		v, err := buildValidator(name, merged, authorities)
		if err != nil {
			return nil, err
		}
		validators[name] = v
	}

	return &Registry{
		validators:  validators,
		authorities: authorities,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

// mergeTemplates walks the template chain, filling in every field the
// validator (or an earlier template) left unset. A validator's own values
// always win; templates closer to the validator win over later ones;
// required claims and mappings accumulate along the chain.
func mergeTemplates(name string, partial config.Partial, templates map[string]config.Partial) (config.Partial, error) {
	// Merge into copies; the parsed file is shared with later resolutions
	// and must come out of this untouched.
	partial.RequiredClaims = append([]config.RequiredClaim(nil), partial.RequiredClaims...)
	mapped := make(map[string]string, len(partial.MapClaims))
	for claim, header := range partial.MapClaims {
		mapped[claim] = header
	}
	partial.MapClaims = mapped

	visited := map[string]bool{}
	ref := partial.Template
	for ref != nil {
		if visited[*ref] {
			return config.Partial{}, fmt.Errorf("%w: validator %q: circular template reference through %q", ErrConfiguration, name, *ref)
		}
		visited[*ref] = true

		tmpl, ok := templates[*ref]
		if !ok {
			return config.Partial{}, fmt.Errorf("%w: validator %q references unknown template %q", ErrConfiguration, name, *ref)
		}

		if partial.Authority == nil {
			partial.Authority = tmpl.Authority
		}
		if partial.Header == nil {
			partial.Header = tmpl.Header
		}
		if partial.HeaderPrefix == nil {
			partial.HeaderPrefix = tmpl.HeaderPrefix
		}
		partial.RequiredClaims = append(partial.RequiredClaims, tmpl.RequiredClaims...)
		for claim, header := range tmpl.MapClaims {
			if _, ok := partial.MapClaims[claim]; !ok {
				partial.MapClaims[claim] = header
			}
		}

		ref = tmpl.Template
	}
	return partial, nil
}

func buildValidator(name string, p config.Partial, authorities map[string]*Authority) (*Validator, error) {
	if p.Authority == nil {
		return nil, fmt.Errorf("%w: validator %q has no authority", ErrConfiguration, name)
	}
	authority, ok := authorities[*p.Authority]
	if !ok {
		return nil, fmt.Errorf("%w: validator %q references unknown authority %q", ErrConfiguration, name, *p.Authority)
	}

	header := DefaultHeader
	if p.Header != nil {
		header = *p.Header
	}
	if !isValidHeaderName(header) {
		return nil, fmt.Errorf("%w: validator %q: invalid header name %q", ErrConfiguration, name, header)
	}

	// An explicit empty prefix is meaningful: the raw header value is the
	// token. Only an unset prefix falls back to the default.
	prefix := DefaultPrefix
	if p.HeaderPrefix != nil {
		prefix = *p.HeaderPrefix
	}

	mappings := make([]Mapping, 0, len(p.MapClaims))
	for claim, hdr := range p.MapClaims {
		if !isValidHeaderName(hdr) {
			return nil, fmt.Errorf("%w: validator %q maps claim %q to invalid header name %q", ErrConfiguration, name, claim, hdr)
		}
		mappings = append(mappings, Mapping{Claim: claim, Header: hdr})
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Claim < mappings[j].Claim })

	return &Validator{
		name:      name,
		authority: authority,
		header:    header,
		prefix:    prefix,
		required:  p.RequiredClaims,
		mappings:  mappings,
	}, nil
}

func parseAlgorithms(names []string) ([]jwa.SignatureAlgorithm, error) {
	algs := make([]jwa.SignatureAlgorithm, 0, len(names))
	for _, name := range names {
		alg := jwa.SignatureAlgorithm(name)
		if _, ok := supportedAlgorithms[alg]; !ok {
			return nil, fmt.Errorf("unsupported algorithm %q", name)
		}
		algs = append(algs, alg)
	}
	return algs, nil
}
