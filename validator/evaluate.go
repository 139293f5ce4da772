package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jwtgate/jwtgate/jwks"
)

// Reason classifies why a request was denied.
type Reason string

// Deny reasons, one per failure mode of the evaluation pipeline.
const (
	ReasonUnknownValidator    Reason = "unknown_validator"
	ReasonMissingToken        Reason = "missing_token"
	ReasonMalformedToken      Reason = "malformed_token"
	ReasonKeyUnavailable      Reason = "key_unavailable"
	ReasonAlgorithmNotAllowed Reason = "algorithm_not_allowed"
	ReasonInvalidSignature    Reason = "invalid_signature"
	ReasonClaimsRejected      Reason = "claims_rejected"
)

// Decision is the terminal state of one request evaluation. On Allow,
// Headers carries the forwarded claims; on Deny, Reason and Detail say why.
// Detail is for logs, never for response bodies.
type Decision struct {
	Allow   bool
	Reason  Reason
	Detail  string
	Headers map[string]string
}

func allow(headers map[string]string) Decision {
	return Decision{Allow: true, Headers: headers}
}

func deny(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Evaluate runs the full decision pipeline for one request: validator
// lookup, token extraction, verification, required claims, then forwarded
// headers. A failure at any step is final for the request.
func (r *Registry) Evaluate(ctx context.Context, name string, headers http.Header) Decision {
	start := time.Now()
	dec := r.evaluate(ctx, name, headers)

	result, reason := "allow", ""
	if !dec.Allow {
		result, reason = "deny", string(dec.Reason)
	}
	r.metrics.RecordEvaluation(name, result, reason, time.Since(start))

	log := r.log.WithField("validator", name)
	switch {
	case dec.Allow:
		log.Debug("request allowed")
	case dec.Reason == ReasonAlgorithmNotAllowed:
		// Algorithm rejections get louder logging: they are the fingerprint
		// of a downgrade or confusion attempt, not everyday token churn.
		log.WithField("detail", dec.Detail).Warn("request denied: algorithm rejected")
	default:
		log.WithFields(logrus.Fields{"reason": dec.Reason, "detail": dec.Detail}).Info("request denied")
	}
	return dec
}

func (r *Registry) evaluate(ctx context.Context, name string, headers http.Header) Decision {
	v, ok := r.validators[name]
	if !ok {
		return deny(ReasonUnknownValidator, fmt.Sprintf("validator %q is not configured", name))
	}

	raw := headers.Get(v.header)
	if raw == "" {
		return deny(ReasonMissingToken, fmt.Sprintf("header %q not found", v.header))
	}
	if v.prefix != "" {
		stripped, ok := strings.CutPrefix(raw, v.prefix)
		if !ok {
			return deny(ReasonMalformedToken, fmt.Sprintf("header %q does not start with the configured prefix", v.header))
		}
		raw = stripped
	}

	claims, err := v.authority.Verify(ctx, []byte(raw))
	if err != nil {
		return denyFromError(err)
	}

	for _, rc := range v.required {
		val, ok := claims[rc.Name]
		if !ok {
			return deny(ReasonClaimsRejected, fmt.Sprintf("token is missing required claim %q", rc.Name))
		}
		got, ok := val.Strings()
		if !ok {
			return deny(ReasonClaimsRejected, fmt.Sprintf("claim %q is not comparable", rc.Name))
		}
		if !rc.Matches(got) {
			return deny(ReasonClaimsRejected, fmt.Sprintf("claim %q does not match any acceptable value", rc.Name))
		}
	}

	out := make(map[string]string, len(v.mappings))
	for _, m := range v.mappings {
		val, ok := claims[m.Claim]
		if !ok {
			// Required mapped claims are guaranteed present at this point;
			// optional ones are forwarded only when the token carries them.
			continue
		}
		s, scalar := val.Scalar()
		switch {
		case scalar:
			out[m.Header] = sanitizeHeaderValue(s)
		case val.IsList() && v.isRequired(m.Claim):
			// A required list claim already passed set matching; forward it
			// comma-joined, the way multi-valued aud travels.
			elems, ok := val.Strings()
			if !ok {
				return deny(ReasonClaimsRejected, fmt.Sprintf("claim %q is not forwardable", m.Claim))
			}
			out[m.Header] = sanitizeHeaderValue(strings.Join(elems, ","))
		default:
			return deny(ReasonClaimsRejected, fmt.Sprintf("mapped claim %q is not a scalar", m.Claim))
		}
	}

	return allow(out)
}

func denyFromError(err error) Decision {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return deny(ReasonMalformedToken, err.Error())
	case errors.Is(err, ErrUnsupportedAlgorithm), errors.Is(err, jwks.ErrAlgorithmNotAllowed):
		return deny(ReasonAlgorithmNotAllowed, err.Error())
	case errors.Is(err, jwks.ErrUnknownKey), errors.Is(err, jwks.ErrSourceUnavailable):
		return deny(ReasonKeyUnavailable, err.Error())
	case errors.Is(err, ErrInvalidSignature):
		return deny(ReasonInvalidSignature, err.Error())
	case errors.Is(err, ErrClaimsRejected):
		return deny(ReasonClaimsRejected, err.Error())
	default:
		return deny(ReasonClaimsRejected, err.Error())
	}
}
