// Package client holds the registered relying party records the provider
// makes authorization decisions against.
package client

import (
	"errors"
	"net/url"
	"sync"

	"github.com/dropDatabas3/veil/internal/session"
)

// ErrUnknownClient is returned for client ids with no registration.
var ErrUnknownClient = errors.New("client: unknown client")

// Client is one registered relying party.
type Client struct {
	ID            string   `yaml:"client_id" json:"client_id"`
	Secret        string   `yaml:"client_secret" json:"client_secret,omitempty"`
	RedirectURIs  []string `yaml:"redirect_uris" json:"redirect_uris"`
	ResponseTypes []string `yaml:"response_types" json:"response_types,omitempty"`
	AllowedScopes []string `yaml:"allowed_scopes" json:"allowed_scopes,omitempty"`

	SubjectType         string `yaml:"subject_type" json:"subject_type,omitempty"`
	SectorIdentifierURI string `yaml:"sector_identifier_uri" json:"sector_identifier_uri,omitempty"`

	// Logout notifications are signed with the provider's Ed25519
	// keystore like every other token; clients cannot register a
	// different signing algorithm for them.
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris" json:"post_logout_redirect_uris,omitempty"`
	FrontchannelLogoutURI  string   `yaml:"frontchannel_logout_uri" json:"frontchannel_logout_uri,omitempty"`
	BackchannelLogoutURI   string   `yaml:"backchannel_logout_uri" json:"backchannel_logout_uri,omitempty"`
	// SessionRequired flags request a sid in the logout notification.
	FrontchannelLogoutSessionRequired bool `yaml:"frontchannel_logout_session_required" json:"frontchannel_logout_session_required,omitempty"`
	BackchannelLogoutSessionRequired  bool `yaml:"backchannel_logout_session_required" json:"backchannel_logout_session_required,omitempty"`

	// TokenUsageRules override the built-in per-type rules for this client.
	TokenUsageRules map[string]session.UsageRules `yaml:"token_usage_rules" json:"token_usage_rules,omitempty"`
	// Claims lists per release point the claims the client registered for.
	Claims map[string][]string `yaml:"claims" json:"claims,omitempty"`
}

// SectorIdentifier returns the value pairwise subject derivation keys on:
// the registered sector identifier, or the host of the first redirect URI.
func (c *Client) SectorIdentifier() string {
	if c.SectorIdentifierURI != "" {
		return c.SectorIdentifierURI
	}
	if len(c.RedirectURIs) > 0 {
		if u, err := url.Parse(c.RedirectURIs[0]); err == nil {
			return u.Host
		}
	}
	return ""
}

// SupportsResponseType reports whether the client registered the response
// type. An empty registration allows only "code".
func (c *Client) SupportsResponseType(rt string) bool {
	if len(c.ResponseTypes) == 0 {
		return rt == "code"
	}
	for _, v := range c.ResponseTypes {
		if v == rt {
			return true
		}
	}
	return false
}

// Registry resolves client ids to registrations.
type Registry interface {
	Get(clientID string) (*Client, error)
}

// StaticRegistry is an in-memory registry loaded from configuration.
type StaticRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewStaticRegistry indexes the given clients by id.
func NewStaticRegistry(clients []*Client) *StaticRegistry {
	r := &StaticRegistry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ID] = c
	}
	return r
}

func (r *StaticRegistry) Get(clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrUnknownClient
	}
	return c, nil
}

// Put adds or replaces a registration.
func (r *StaticRegistry) Put(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

// ClaimsFor implements the claims resolver's per-client lookup.
func (r *StaticRegistry) ClaimsFor(clientID, usage string) []string {
	c, err := r.Get(clientID)
	if err != nil {
		return nil
	}
	return c.Claims[usage]
}
