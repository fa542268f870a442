package session

import (
	"time"
)

// Token type names as they appear in grant records and minting rules.
const (
	TypeAuthorizationCode = "authorization_code"
	TypeAccessToken       = "access_token"
	TypeRefreshToken      = "refresh_token"
	TypeIDToken           = "id_token"
)

// UsageRules bound how a token may be used and what it may mint.
// A zero ExpiresIn means the type default applies; a negative value means
// no expiry. MaxUsage zero means unlimited.
type UsageRules struct {
	ExpiresIn       int64    `json:"expires_in,omitempty"`
	NotBefore       int64    `json:"not_before,omitempty"`
	MaxUsage        int      `json:"max_usage,omitempty"`
	SupportsMinting []string `json:"supports_minting,omitempty"`
}

// Token is one issued token inside a grant. Value holds the signed wire
// form; BasedOn links to the id of the token it was minted from.
type Token struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Value      string     `json:"value"`
	BasedOn    string     `json:"based_on,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	NotBefore  time.Time  `json:"not_before,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	UsageCount int        `json:"used"`
	Scope      []string   `json:"scope,omitempty"`
	Claims     []string   `json:"claims,omitempty"`
	UsageRules UsageRules `json:"usage_rules,omitempty"`
}

// IsActive reports whether the token can still be presented: not revoked,
// past not_before, not expired, and under its usage bound.
func (t *Token) IsActive() bool {
	if t.Revoked {
		return false
	}
	now := time.Now().UTC()
	if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
		return false
	}
	if !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt) {
		return false
	}
	return !t.MaxUsageReached()
}

// MaxUsageReached reports whether the usage counter has hit its bound.
func (t *Token) MaxUsageReached() bool {
	return t.UsageRules.MaxUsage > 0 && t.UsageCount >= t.UsageRules.MaxUsage
}

// RegisterUsage bumps the usage counter.
func (t *Token) RegisterUsage() {
	t.UsageCount++
}

// SupportsMinting reports whether this token may serve as the basis for
// minting a token of the given type.
func (t *Token) SupportsMinting(tokenType string) bool {
	for _, v := range t.UsageRules.SupportsMinting {
		if v == tokenType {
			return true
		}
	}
	return false
}
