package validator

import (
	"strings"

	"github.com/jwtgate/jwtgate/config"
)

// Defaults applied when neither the validator nor its template chain sets
// the field.
const (
	DefaultHeader = "Authorization"
	DefaultPrefix = "Bearer "
)

// Mapping forwards one verified claim as a response header.
type Mapping struct {
	Claim  string
	Header string
}

// Validator is one fully resolved rule set: which header carries the token,
// which authority verifies it, which claims must match, and which claims are
// forwarded. Validators are immutable after resolution.
type Validator struct {
	name      string
	authority *Authority
	header    string
	// prefix is stripped from the header value before parsing; empty means
	// the raw value is the token.
	prefix   string
	required []config.RequiredClaim
	mappings []Mapping
}

// Name returns the validator's configured name.
func (v *Validator) Name() string { return v.name }

// Authority returns the authority tokens are verified against.
func (v *Validator) Authority() *Authority { return v.authority }

// Header returns the request header the token is read from.
func (v *Validator) Header() string { return v.header }

// Prefix returns the required token prefix, possibly empty.
func (v *Validator) Prefix() string { return v.prefix }

func (v *Validator) isRequired(claim string) bool {
	for _, rc := range v.required {
		if rc.Name == claim {
			return true
		}
	}
	return false
}

// isValidHeaderName reports whether s is a legal HTTP field name (RFC 9110
// token characters).
func isValidHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", rune(c)):
		default:
			return false
		}
	}
	return true
}

// sanitizeHeaderValue replaces bytes that are not legal in an HTTP field
// value with '?', so arbitrary claim content can always be forwarded.
func sanitizeHeaderValue(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if !headerValueByte(s[i]) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	b := []byte(s)
	for i, c := range b {
		if !headerValueByte(c) {
			b[i] = '?'
		}
	}
	return string(b)
}

func headerValueByte(c byte) bool {
	return c >= 32 && c != 127 || c == '\t'
}
