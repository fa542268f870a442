package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/token"
)

var (
	// ErrGrantInactive is returned when minting from a revoked or expired grant.
	ErrGrantInactive = errors.New("grant is not active")
	// ErrMintingNotAllowed is returned when the token chain forbids the mint.
	ErrMintingNotAllowed = errors.New("minting of token not allowed")
	// ErrTokenNotInGrant is returned on lookups for ids the grant never issued.
	ErrTokenNotInGrant = errors.New("token not issued by this grant")
)

// DefaultUsage returns the built-in usage rules for a token type.
// Authorization codes are single use and short lived; refresh tokens may
// mint the full set again; id tokens mint nothing.
func DefaultUsage(tokenType string) UsageRules {
	switch tokenType {
	case TypeAuthorizationCode:
		return UsageRules{
			MaxUsage:  1,
			ExpiresIn: 300,
			SupportsMinting: []string{
				TypeAccessToken, TypeRefreshToken, TypeIDToken,
			},
		}
	case TypeAccessToken:
		return UsageRules{ExpiresIn: 3600}
	case TypeRefreshToken:
		return UsageRules{
			SupportsMinting: []string{
				TypeAccessToken, TypeRefreshToken, TypeIDToken,
			},
		}
	default:
		return UsageRules{}
	}
}

// tagFor maps a token type to its codec tag.
func tagFor(tokenType string) string {
	switch tokenType {
	case TypeAuthorizationCode:
		return token.TagCode
	case TypeAccessToken:
		return token.TagAccess
	case TypeRefreshToken:
		return token.TagRefresh
	case TypeIDToken:
		return token.TagID
	default:
		return ""
	}
}

// TypeForTag is the reverse of the codec tag mapping.
func TypeForTag(tag string) string {
	switch tag {
	case token.TagCode:
		return TypeAuthorizationCode
	case token.TagAccess:
		return TypeAccessToken
	case token.TagRefresh:
		return TypeRefreshToken
	case token.TagID:
		return TypeIDToken
	default:
		return ""
	}
}

// Grant holds the authorization a user gave one client, and every token
// issued under it. Tokens form a chain through BasedOn; revoking a link
// revokes everything minted from it.
type Grant struct {
	ID    string   `json:"id"`
	Scope []string `json:"scope,omitempty"`
	// Claims snapshots the resolved release restriction per release
	// point once tokens have been issued under the grant.
	Claims       map[string]map[string]*oidc.ClaimSpec `json:"claims,omitempty"`
	Resources    []string                              `json:"resources,omitempty"`
	Sub          string                                `json:"sub,omitempty"`
	IssuedAt     time.Time                             `json:"issued_at"`
	ExpiresAt    time.Time                             `json:"expires_at,omitempty"`
	Revoked      bool                                  `json:"revoked"`
	IssuedTokens []*Token                              `json:"issued_tokens,omitempty"`
	UsageRules   map[string]UsageRules                 `json:"usage_rules,omitempty"`
	AuthnEvent   *authn.Event                          `json:"authentication_event,omitempty"`
	AuthReq      *oidc.AuthorizationRequest            `json:"authorization_request,omitempty"`
	ClaimsSpec   *oidc.ClaimsRequest                   `json:"claims_request,omitempty"`
	SessionState string                                `json:"session_state,omitempty"`
	// ExchangedFrom links an exchange grant back to the token it was
	// derived from.
	ExchangedFrom string `json:"exchanged_from,omitempty"`
}

// NewGrant creates an empty grant with a fresh id.
func NewGrant(validity time.Duration) *Grant {
	now := time.Now().UTC()
	g := &Grant{
		ID:       uuid.NewString(),
		IssuedAt: now,
	}
	if validity > 0 {
		g.ExpiresAt = now.Add(validity)
	}
	return g
}

// IsActive reports whether the grant can still mint tokens.
func (g *Grant) IsActive() bool {
	if g.Revoked {
		return false
	}
	if !g.ExpiresAt.IsZero() && !time.Now().UTC().Before(g.ExpiresAt) {
		return false
	}
	return true
}

// Revoke marks the grant and all its tokens revoked.
func (g *Grant) Revoke() {
	g.Revoked = true
	for _, t := range g.IssuedTokens {
		t.Revoked = true
	}
}

// usageFor resolves the rules used for a newly minted token: an explicit
// override wins, then the grant's per-type rules, then the defaults.
func (g *Grant) usageFor(tokenType string, override *UsageRules) UsageRules {
	if override != nil {
		return *override
	}
	if r, ok := g.UsageRules[tokenType]; ok {
		return r
	}
	return DefaultUsage(tokenType)
}

// MintSpec carries the per-mint inputs that do not live on the grant.
type MintSpec struct {
	SessionID string
	TokenType string
	BasedOn   *Token
	Claims    map[string]any
	Scope     []string
	Rules     *UsageRules
}

// MintToken issues a new token under the grant. When BasedOn is given the
// chain rules apply: the parent must be usable and must list the new type
// in its supports_minting, and its usage counter is bumped on success.
func (g *Grant) MintToken(c token.Codec, spec MintSpec) (*Token, error) {
	if !g.IsActive() {
		return nil, ErrGrantInactive
	}
	if spec.BasedOn != nil {
		if !spec.BasedOn.IsActive() || !spec.BasedOn.SupportsMinting(spec.TokenType) {
			return nil, ErrMintingNotAllowed
		}
	}
	tag := tagFor(spec.TokenType)
	if tag == "" {
		return nil, ErrMintingNotAllowed
	}

	rules := g.usageFor(spec.TokenType, spec.Rules)
	now := time.Now().UTC()

	t := &Token{
		ID:         uuid.NewString(),
		Type:       spec.TokenType,
		IssuedAt:   now,
		UsageRules: rules,
		Scope:      spec.Scope,
	}
	if len(t.Scope) == 0 {
		t.Scope = g.Scope
	}
	if spec.BasedOn != nil {
		t.BasedOn = spec.BasedOn.ID
	}
	if rules.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(rules.ExpiresIn) * time.Second)
	}
	if rules.NotBefore > 0 {
		t.NotBefore = time.Unix(rules.NotBefore, 0).UTC()
	}

	value, err := c.Encode(spec.SessionID, tag, spec.Claims)
	if err != nil {
		return nil, err
	}
	t.Value = value

	g.IssuedTokens = append(g.IssuedTokens, t)
	if spec.BasedOn != nil {
		spec.BasedOn.RegisterUsage()
	}
	return t, nil
}

// GetToken finds an issued token by its wire value.
func (g *Grant) GetToken(value string) *Token {
	for _, t := range g.IssuedTokens {
		if t.Value == value {
			return t
		}
	}
	return nil
}

// GetTokenByID finds an issued token by id.
func (g *Grant) GetTokenByID(id string) *Token {
	for _, t := range g.IssuedTokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// RevokeToken revokes the token with the given id. Tokens minted from it
// stay live unless recursive is set, in which case the whole chain below
// it is revoked too.
func (g *Grant) RevokeToken(id string, recursive bool) error {
	target := g.GetTokenByID(id)
	if target == nil {
		return ErrTokenNotInGrant
	}
	if recursive {
		g.revokeChain(target)
	} else {
		target.Revoked = true
	}
	return nil
}

func (g *Grant) revokeChain(t *Token) {
	t.Revoked = true
	for _, other := range g.IssuedTokens {
		if other.BasedOn == t.ID && !other.Revoked {
			g.revokeChain(other)
		}
	}
}

// ActiveTokens returns the issued tokens that are still usable.
func (g *Grant) ActiveTokens() []*Token {
	var out []*Token
	for _, t := range g.IssuedTokens {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	return out
}

// NewExchangeGrant creates a grant derived from an existing token, as
// issued by a token exchange. It carries the link back to the subject
// token and defaults to a shorter lifetime than a fresh authorization.
func NewExchangeGrant(fromTokenID string, validity time.Duration) *Grant {
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	g := NewGrant(validity)
	g.ExchangedFrom = fromTokenID
	return g
}
