// Package config holds the raw, pre-resolution configuration file model.
//
// The file declares three tables: authorities (JWKS sources and their
// validation policy), validator templates (partial validators used as
// defaults), and validators. Templates and validators share the same shape;
// resolution into effective validators happens in the validator package.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration problems that must abort startup.
var ErrInvalid = errors.New("config: invalid configuration")

// Defaults applied when the corresponding field is absent.
const (
	DefaultUpdateInterval = time.Hour
)

// File is the parsed configuration file.
type File struct {
	Authorities map[string]Authority `yaml:"authorities"`
	Templates   map[string]Partial   `yaml:"validator_templates"`
	Validators  map[string]Partial   `yaml:"validators"`
}

// Authority declares one JWKS source and the token policy applied to every
// token verified against it.
type Authority struct {
	JWKSURL            string   `yaml:"jwks_url"`
	ApprovedAlgorithms []string `yaml:"approved_algorithms"`
	LeewaySeconds      *uint64  `yaml:"leeway_seconds"`
	CheckExpiration    *bool    `yaml:"check_expiration"`
	CheckNotBefore     *bool    `yaml:"check_not_before"`
	UpdateInterval     *uint64  `yaml:"update_interval"`
}

// Partial is a partially specified validator. Every field may be absent so
// that resolution can tell "unset" apart from an explicit empty value.
type Partial struct {
	Template       *string           `yaml:"template"`
	Authority      *string           `yaml:"authority"`
	Header         *string           `yaml:"header"`
	HeaderPrefix   *string           `yaml:"header_prefix"`
	RequiredClaims []RequiredClaim   `yaml:"required_claims"`
	MapClaims      map[string]string `yaml:"map_claims"`
}

// Leeway returns the clock-skew tolerance for time-based claim checks.
func (a Authority) Leeway() time.Duration {
	if a.LeewaySeconds == nil {
		return 0
	}
	return time.Duration(*a.LeewaySeconds) * time.Second
}

// RefreshInterval returns the period of the scheduled JWKS refresh.
func (a Authority) RefreshInterval() time.Duration {
	if a.UpdateInterval == nil || *a.UpdateInterval == 0 {
		return DefaultUpdateInterval
	}
	return time.Duration(*a.UpdateInterval) * time.Second
}

// ExpirationChecked reports whether exp must be present and unexpired.
func (a Authority) ExpirationChecked() bool {
	return a.CheckExpiration == nil || *a.CheckExpiration
}

// NotBeforeChecked reports whether nbf is enforced when present.
func (a Authority) NotBeforeChecked() bool {
	return a.CheckNotBefore == nil || *a.CheckNotBefore
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document and checks it for static problems.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for name, a := range f.Authorities {
		if a.JWKSURL == "" {
			return fmt.Errorf("%w: authority %q has no jwks_url", ErrInvalid, name)
		}
		u, err := url.Parse(a.JWKSURL)
		if err != nil {
			return fmt.Errorf("%w: authority %q jwks_url: %v", ErrInvalid, name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: authority %q jwks_url %q: scheme must be http or https", ErrInvalid, name, a.JWKSURL)
		}
	}
	for name, p := range f.Validators {
		for _, rc := range p.RequiredClaims {
			if rc.Name == "" {
				return fmt.Errorf("%w: validator %q has a required claim without a name", ErrInvalid, name)
			}
		}
	}
	for name, p := range f.Templates {
		for _, rc := range p.RequiredClaims {
			if rc.Name == "" {
				return fmt.Errorf("%w: template %q has a required claim without a name", ErrInvalid, name)
			}
		}
	}
	return nil
}
