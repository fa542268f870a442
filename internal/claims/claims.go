// Package claims decides which claims about a user may be released for a
// given client, scope set, and release point, and evaluates requested
// claim constraints against actual values.
package claims

import (
	"context"

	"github.com/dropDatabas3/veil/internal/oidc"
)

// Release points. A restriction is always resolved for exactly one of
// these; what is allowed in an id_token need not match userinfo.
const (
	UsageUserInfo      = "userinfo"
	UsageIDToken       = "id_token"
	UsageIntrospection = "introspection"
	UsageAccessToken   = "access_token"
)

// Restriction maps claim names to the spec constraining their release.
// A nil spec means the claim is released unconstrained.
type Restriction = map[string]*oidc.ClaimSpec

// Source supplies the actual claim values held about a user.
type Source interface {
	Claims(ctx context.Context, userID string) (map[string]any, error)
}

// scopeClaims maps standard scope values to the claims they unlock.
var scopeClaims = map[string][]string{
	"openid": {"sub"},
	"profile": {
		"name", "given_name", "family_name", "middle_name", "nickname",
		"profile", "picture", "website", "gender", "birthdate",
		"zoneinfo", "locale", "updated_at", "preferred_username",
	},
	"email":   {"email", "email_verified"},
	"address": {"address"},
	"phone":   {"phone_number", "phone_number_verified"},
}

// ScopeToClaims expands scope values into the claim names they unlock.
// Unknown scopes expand to nothing.
func ScopeToClaims(scopes []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range scopes {
		for _, c := range scopeClaims[s] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Match evaluates one actual value against a claim spec. A nil value never
// matches; a nil spec matches any non-nil value. A spec with "value"
// matches on equality, "values" on membership, and a bare "essential" on
// any present value.
func Match(value any, spec *oidc.ClaimSpec) bool {
	if value == nil {
		return false
	}
	if spec == nil {
		return true
	}
	matched := spec.Value == nil && len(spec.Values) == 0 && spec.Essential == nil
	if spec.Value != nil {
		matched = looseEqual(value, spec.Value)
	}
	if !matched && len(spec.Values) > 0 {
		for _, v := range spec.Values {
			if looseEqual(value, v) {
				matched = true
				break
			}
		}
	}
	if !matched && spec.Essential != nil && spec.Value == nil && len(spec.Values) == 0 {
		matched = true
	}
	return matched
}

// looseEqual compares claim values the way they arrive from JSON, where
// every number is a float64.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
