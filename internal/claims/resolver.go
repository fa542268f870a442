package claims

import (
	"context"

	"github.com/dropDatabas3/veil/internal/oidc"
)

// UsagePolicy configures claim release for one release point.
type UsagePolicy struct {
	// BaseClaims are always part of the restriction.
	BaseClaims []string `yaml:"base_claims"`
	// AddClaimsByScope expands the request's scopes into claims.
	AddClaimsByScope bool `yaml:"add_claims_by_scope"`
	// EnableClaimsPerClient consults the client's registered claim list.
	EnableClaimsPerClient bool `yaml:"enable_claims_per_client"`
}

// ClientClaims looks up the claims a client registered for a release point.
// Implementations return nil when the client registered none.
type ClientClaims interface {
	ClaimsFor(clientID, usage string) []string
}

// Resolver computes release restrictions by layering provider policy,
// client registration, scope expansion, and the request's claims parameter.
type Resolver struct {
	Policies map[string]UsagePolicy
	Clients  ClientClaims
	Users    Source
}

// NewResolver builds a resolver with the given per-usage policies.
func NewResolver(policies map[string]UsagePolicy, clients ClientClaims, users Source) *Resolver {
	return &Resolver{Policies: policies, Clients: clients, Users: users}
}

// GetClaims resolves the restriction for one release point. Later layers
// only add claim names; a spec from the request's claims parameter wins
// over the nil spec the earlier layers contribute.
func (r *Resolver) GetClaims(clientID string, scopes []string, req *oidc.ClaimsRequest, usage string) Restriction {
	out := Restriction{}
	policy := r.Policies[usage]

	for _, name := range policy.BaseClaims {
		out[name] = nil
	}
	if policy.EnableClaimsPerClient && r.Clients != nil {
		for _, name := range r.Clients.ClaimsFor(clientID, usage) {
			if _, ok := out[name]; !ok {
				out[name] = nil
			}
		}
	}
	if policy.AddClaimsByScope {
		for _, name := range ScopeToClaims(scopes) {
			if _, ok := out[name]; !ok {
				out[name] = nil
			}
		}
	}
	if req != nil {
		for name, spec := range req.ForUsage(usage) {
			out[name] = spec
		}
	}
	return out
}

// GetUserClaims loads the user's claim values and filters them through a
// restriction. Values failing their spec's constraint are withheld.
func (r *Resolver) GetUserClaims(ctx context.Context, userID string, restriction Restriction) (map[string]any, error) {
	all, err := r.Users.Claims(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	for name, spec := range restriction {
		v, ok := all[name]
		if !ok {
			continue
		}
		if Match(v, spec) {
			out[name] = v
		}
	}
	return out, nil
}

// AllMatch checks every spec in a restriction against actual values.
// Used for constraints that gate a decision rather than filter a payload,
// such as requested sid or acr checks.
func AllMatch(values map[string]any, restriction Restriction) bool {
	for name, spec := range restriction {
		if spec == nil {
			continue
		}
		if !Match(values[name], spec) {
			return false
		}
	}
	return true
}
