package oidc

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// AuthorizationRequest is the parsed authorization endpoint request.
// The struct keeps the split fields the flow needs; Raw preserves the
// original parameter set for snapshotting and equality checks.
type AuthorizationRequest struct {
	ClientID     string
	ResponseType []string
	Scope        []string
	RedirectURI  string
	State        string
	Nonce        string
	ResponseMode string
	Prompt       []string
	ACRValues    []string
	LoginHint    string
	IDTokenHint  string
	RequestURI   string

	// MaxAge is the requested maximum authentication age in seconds.
	// HasMaxAge distinguishes max_age=0 from an absent parameter.
	MaxAge    int64
	HasMaxAge bool

	// UPMAnswer is set when the request carries upm_answer=true, which
	// forces max_age=0 regardless of the max_age parameter.
	UPMAnswer bool

	Claims *ClaimsRequest

	Raw url.Values
}

// ParseAuthorizationRequest decodes an authorization request from its
// url-encoded form. Unknown parameters are preserved in Raw.
func ParseAuthorizationRequest(values url.Values) (*AuthorizationRequest, error) {
	req := &AuthorizationRequest{
		ClientID:     values.Get("client_id"),
		ResponseType: strings.Fields(values.Get("response_type")),
		Scope:        strings.Fields(values.Get("scope")),
		RedirectURI:  values.Get("redirect_uri"),
		State:        values.Get("state"),
		Nonce:        values.Get("nonce"),
		ResponseMode: values.Get("response_mode"),
		Prompt:       strings.Fields(values.Get("prompt")),
		ACRValues:    strings.Fields(values.Get("acr_values")),
		LoginHint:    values.Get("login_hint"),
		IDTokenHint:  values.Get("id_token_hint"),
		RequestURI:   values.Get("request_uri"),
		UPMAnswer:    values.Get("upm_answer") == "true",
		Raw:          cloneValues(values),
	}

	if v := values.Get("max_age"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid max_age %q", v)
		}
		req.MaxAge = n
		req.HasMaxAge = true
	}

	if v := values.Get("claims"); v != "" {
		cr, err := ParseClaimsRequest(v)
		if err != nil {
			return nil, fmt.Errorf("invalid claims parameter: %w", err)
		}
		req.Claims = cr
	}

	return req, nil
}

// Values re-encodes the request as url.Values, based on the preserved raw
// parameter set.
func (r *AuthorizationRequest) Values() url.Values {
	return cloneValues(r.Raw)
}

// HasResponseType reports whether t appears in response_type.
func (r *AuthorizationRequest) HasResponseType(t string) bool {
	for _, rt := range r.ResponseType {
		if rt == t {
			return true
		}
	}
	return false
}

// HasPrompt reports whether p appears in the prompt parameter.
func (r *AuthorizationRequest) HasPrompt(p string) bool {
	for _, v := range r.Prompt {
		if v == p {
			return true
		}
	}
	return false
}

// EffectiveMaxAge is the max_age the flow must enforce: upm_answer=true
// forces 0 (immediate re-authentication), otherwise the requested value.
// The second return reports whether any constraint applies at all.
func (r *AuthorizationRequest) EffectiveMaxAge() (int64, bool) {
	if r.UPMAnswer {
		return 0, true
	}
	return r.MaxAge, r.HasMaxAge
}

// Equal compares two requests by their raw parameter sets. Used to decide
// whether an existing grant can be reused for a repeated request.
func (r *AuthorizationRequest) Equal(other *AuthorizationRequest) bool {
	if r == nil || other == nil {
		return r == other
	}
	if len(r.Raw) != len(other.Raw) {
		return false
	}
	for k, vals := range r.Raw {
		ovals, ok := other.Raw[k]
		if !ok || len(vals) != len(ovals) {
			return false
		}
		a := append([]string(nil), vals...)
		b := append([]string(nil), ovals...)
		sort.Strings(a)
		sort.Strings(b)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
