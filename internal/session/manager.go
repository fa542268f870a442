package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/token"
)

var (
	// ErrRevoked is returned when a session node on the path is revoked.
	ErrRevoked = errors.New("session: revoked")
)

// Info bundles the three nodes a full session key addresses.
type Info struct {
	UserID   string
	ClientID string
	GrantID  string

	UserSession   *UserSessionInfo
	ClientSession *ClientSessionInfo
	Grant         *Grant
}

// SessionID rebuilds the composite key.
func (i *Info) SessionID() string {
	return Key(i.UserID, i.ClientID, i.GrantID)
}

// Manager owns the session tree: users, their client sessions, the grants
// under them, and the tokens each grant issued. All mutation goes through
// the manager so the persisted nodes stay consistent with each other.
type Manager struct {
	store    Storage
	handlers *token.HandlerSet
	salt     string

	// GrantValidity bounds new grants. Zero means no grant expiry.
	GrantValidity time.Duration
}

// NewManager wires a manager over a storage backend and the token handler
// set used to mint and reverse-map token values.
func NewManager(store Storage, handlers *token.HandlerSet, salt string) *Manager {
	return &Manager{store: store, handlers: handlers, salt: salt}
}

// Salt exposes the subject derivation salt for components that compute
// session state the same way.
func (m *Manager) Salt() string { return m.salt }

// CreateSession ensures the user and client nodes exist and attaches a new
// grant for the request. Non-nil usageRules become the grant's per-type
// rules, overriding the built-in defaults for every token it mints. It
// returns the full session key.
func (m *Manager) CreateSession(ctx context.Context, ev *authn.Event, req *oidc.AuthorizationRequest, userID, clientID, sectorIdentifier, subjectType string, usageRules map[string]UsageRules) (string, error) {
	log := logger.From(ctx).With(logger.Layer("session"), logger.Op("CreateSession"))

	usi, err := m.GetUserSession(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		usi = &UserSessionInfo{UserID: userID}
	}
	if usi.Revoked {
		return "", ErrRevoked
	}
	usi.AuthnEvent = ev
	usi.AddSubordinate(clientID)
	if err := m.setNode(ctx, Key(userID), usi); err != nil {
		return "", err
	}

	csi, err := m.GetClientSession(ctx, userID, clientID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		csi = &ClientSessionInfo{ClientID: clientID}
	}
	if csi.Revoked {
		return "", ErrRevoked
	}
	if csi.Sub == "" {
		csi.Sub = SubFuncFor(subjectType)(userID, sectorIdentifier, m.salt)
	}

	grant := NewGrant(m.GrantValidity)
	grant.Sub = csi.Sub
	grant.AuthnEvent = ev
	grant.AuthReq = req
	grant.UsageRules = usageRules
	if req != nil {
		grant.Scope = req.Scope
		grant.ClaimsSpec = req.Claims
	}

	csi.AddSubordinate(grant.ID)
	if err := m.setNode(ctx, Key(userID, clientID), csi); err != nil {
		return "", err
	}
	if err := m.setNode(ctx, Key(userID, clientID, grant.ID), grant); err != nil {
		return "", err
	}

	log.Debug("session created",
		logger.UserID(userID), logger.ClientID(clientID), logger.GrantID(grant.ID))
	return Key(userID, clientID, grant.ID), nil
}

// AddGrant attaches an already built grant under an existing client
// session and persists both nodes. It returns the full session key.
func (m *Manager) AddGrant(ctx context.Context, userID, clientID string, g *Grant) (string, error) {
	csi, err := m.GetClientSession(ctx, userID, clientID)
	if err != nil {
		return "", err
	}
	if csi.Revoked {
		return "", ErrRevoked
	}
	if g.Sub == "" {
		g.Sub = csi.Sub
	}
	csi.AddSubordinate(g.ID)
	if err := m.setNode(ctx, Key(userID, clientID), csi); err != nil {
		return "", err
	}
	if err := m.setNode(ctx, Key(userID, clientID, g.ID), g); err != nil {
		return "", err
	}
	logger.From(ctx).With(logger.Layer("session"), logger.Op("AddGrant")).Debug(
		"grant attached",
		logger.UserID(userID), logger.ClientID(clientID), logger.GrantID(g.ID))
	return Key(userID, clientID, g.ID), nil
}

// ExchangeToken derives a fresh grant from a token in an existing session.
// The subject token must be active; its usage counter is bumped, and the
// new grant inherits the scope, claims, and authentication event of its
// source so downstream mints carry the same authorization.
func (m *Manager) ExchangeToken(ctx context.Context, sessionID, tokenID string, validity time.Duration) (string, error) {
	info, err := m.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return "", err
	}
	subject := info.Grant.GetTokenByID(tokenID)
	if subject == nil {
		return "", ErrTokenNotInGrant
	}
	if !subject.IsActive() {
		return "", ErrMintingNotAllowed
	}
	subject.RegisterUsage()
	if err := m.SetGrant(ctx, info.UserID, info.ClientID, info.Grant); err != nil {
		return "", err
	}

	g := NewExchangeGrant(tokenID, validity)
	g.Scope = subject.Scope
	g.Claims = info.Grant.Claims
	g.UsageRules = info.Grant.UsageRules
	g.AuthnEvent = info.Grant.AuthnEvent
	return m.AddGrant(ctx, info.UserID, info.ClientID, g)
}

// GetUserSession loads the user node.
func (m *Manager) GetUserSession(ctx context.Context, userID string) (*UserSessionInfo, error) {
	var usi UserSessionInfo
	if err := m.getNode(ctx, Key(userID), &usi); err != nil {
		return nil, err
	}
	return &usi, nil
}

// GetClientSession loads the client node under a user.
func (m *Manager) GetClientSession(ctx context.Context, userID, clientID string) (*ClientSessionInfo, error) {
	var csi ClientSessionInfo
	if err := m.getNode(ctx, Key(userID, clientID), &csi); err != nil {
		return nil, err
	}
	return &csi, nil
}

// GetGrant loads one grant by full path.
func (m *Manager) GetGrant(ctx context.Context, userID, clientID, grantID string) (*Grant, error) {
	var g Grant
	if err := m.getNode(ctx, Key(userID, clientID, grantID), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SetGrant persists a grant after mutation.
func (m *Manager) SetGrant(ctx context.Context, userID, clientID string, g *Grant) error {
	return m.setNode(ctx, Key(userID, clientID, g.ID), g)
}

// GetSessionInfo resolves a full session key to its three nodes, checking
// revocation on the way down.
func (m *Manager) GetSessionInfo(ctx context.Context, sessionID string) (*Info, error) {
	parts, err := Unpack(sessionID)
	if err != nil {
		return nil, err
	}
	if len(parts) != 3 {
		return nil, ErrMalformedKey
	}
	info := &Info{UserID: parts[0], ClientID: parts[1], GrantID: parts[2]}

	if info.UserSession, err = m.GetUserSession(ctx, info.UserID); err != nil {
		return nil, err
	}
	if info.UserSession.Revoked {
		return nil, ErrRevoked
	}
	if info.ClientSession, err = m.GetClientSession(ctx, info.UserID, info.ClientID); err != nil {
		return nil, err
	}
	if info.ClientSession.Revoked {
		return nil, ErrRevoked
	}
	if info.Grant, err = m.GetGrant(ctx, info.UserID, info.ClientID, info.GrantID); err != nil {
		return nil, err
	}
	return info, nil
}

// GetSessionInfoByToken reverse-maps a token value to its session. The
// token must still exist inside the grant it claims to come from.
func (m *Manager) GetSessionInfoByToken(ctx context.Context, value string) (*Info, *Token, error) {
	ti, err := m.handlers.Decode(value)
	if err != nil {
		return nil, nil, err
	}
	info, err := m.GetSessionInfo(ctx, ti.SessionID)
	if err != nil {
		return nil, nil, err
	}
	t := info.Grant.GetToken(value)
	if t == nil {
		return nil, nil, token.ErrUnknownToken
	}
	return info, t, nil
}

// FindToken locates a token value inside the session's grant.
func (m *Manager) FindToken(ctx context.Context, sessionID, value string) (*Token, error) {
	info, err := m.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	t := info.Grant.GetToken(value)
	if t == nil {
		return nil, token.ErrUnknownToken
	}
	return t, nil
}

// MintToken mints under the session's grant and persists the updated grant.
func (m *Manager) MintToken(ctx context.Context, sessionID string, spec MintSpec) (*Token, error) {
	info, err := m.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	spec.SessionID = sessionID
	c, ok := m.handlers.ForTag(tagFor(spec.TokenType))
	if !ok {
		return nil, ErrMintingNotAllowed
	}
	// The caller's BasedOn token may come from an earlier load of the
	// grant. Resolve it inside the grant just read so the usage bump
	// lands on the instance SetGrant persists.
	if spec.BasedOn != nil {
		parent := info.Grant.GetTokenByID(spec.BasedOn.ID)
		if parent == nil {
			return nil, ErrTokenNotInGrant
		}
		spec.BasedOn = parent
	}
	t, err := info.Grant.MintToken(c, spec)
	if err != nil {
		return nil, err
	}
	if err := m.SetGrant(ctx, info.UserID, info.ClientID, info.Grant); err != nil {
		return nil, err
	}
	if spec.TokenType == TypeIDToken {
		info.ClientSession.LastIDToken = t.Value
		if err := m.setNode(ctx, Key(info.UserID, info.ClientID), info.ClientSession); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RegisterTokenUsage bumps a token's usage counter and persists the grant.
// Callers use it when a token is presented rather than minted from.
func (m *Manager) RegisterTokenUsage(ctx context.Context, sessionID, tokenID string) error {
	info, err := m.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return err
	}
	t := info.Grant.GetTokenByID(tokenID)
	if t == nil {
		return ErrTokenNotInGrant
	}
	t.RegisterUsage()
	return m.SetGrant(ctx, info.UserID, info.ClientID, info.Grant)
}

// RevokeToken revokes one token and persists the grant. Set recursive to
// also revoke everything minted from it.
func (m *Manager) RevokeToken(ctx context.Context, sessionID, tokenID string, recursive bool) error {
	info, err := m.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := info.Grant.RevokeToken(tokenID, recursive); err != nil {
		return err
	}
	return m.SetGrant(ctx, info.UserID, info.ClientID, info.Grant)
}

// RevokeGrant revokes one grant and all its tokens.
func (m *Manager) RevokeGrant(ctx context.Context, userID, clientID, grantID string) error {
	g, err := m.GetGrant(ctx, userID, clientID, grantID)
	if err != nil {
		return err
	}
	g.Revoke()
	return m.setNode(ctx, Key(userID, clientID, grantID), g)
}

// RevokeClientSession revokes the client node and every grant under it.
func (m *Manager) RevokeClientSession(ctx context.Context, userID, clientID string) error {
	csi, err := m.GetClientSession(ctx, userID, clientID)
	if err != nil {
		return err
	}
	csi.Revoked = true
	for _, gid := range csi.Subordinate {
		if err := m.RevokeGrant(ctx, userID, clientID, gid); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return m.setNode(ctx, Key(userID, clientID), csi)
}

// RevokeUserSession revokes the whole tree under a user.
func (m *Manager) RevokeUserSession(ctx context.Context, userID string) error {
	usi, err := m.GetUserSession(ctx, userID)
	if err != nil {
		return err
	}
	usi.Revoked = true
	for _, cid := range usi.Subordinate {
		if err := m.RevokeClientSession(ctx, userID, cid); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return m.setNode(ctx, Key(userID), usi)
}

// Grants returns the live grants a user holds with a client.
func (m *Manager) Grants(ctx context.Context, userID, clientID string) ([]*Grant, error) {
	csi, err := m.GetClientSession(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	var out []*Grant
	for _, gid := range csi.Subordinate {
		g, err := m.GetGrant(ctx, userID, clientID, gid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// ClientIDs lists the clients the user currently has sessions with.
func (m *Manager) ClientIDs(ctx context.Context, userID string) ([]string, error) {
	usi, err := m.GetUserSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), usi.Subordinate...), nil
}

// RemoveSession deletes the nodes a key addresses, detaching them from
// their parents. A one-part key removes the user's whole tree.
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	parts, err := Unpack(sessionID)
	if err != nil {
		return err
	}
	switch len(parts) {
	case 1:
		usi, err := m.GetUserSession(ctx, parts[0])
		if err != nil {
			return err
		}
		for _, cid := range usi.Subordinate {
			if err := m.removeClientTree(ctx, parts[0], cid); err != nil {
				return err
			}
		}
		return m.store.Delete(ctx, Key(parts[0]))
	case 2:
		if err := m.removeClientTree(ctx, parts[0], parts[1]); err != nil {
			return err
		}
		return m.detachFromUser(ctx, parts[0], parts[1])
	default:
		if err := m.store.Delete(ctx, sessionID); err != nil {
			return err
		}
		csi, err := m.GetClientSession(ctx, parts[0], parts[1])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		csi.RemoveSubordinate(parts[2])
		return m.setNode(ctx, Key(parts[0], parts[1]), csi)
	}
}

func (m *Manager) removeClientTree(ctx context.Context, userID, clientID string) error {
	csi, err := m.GetClientSession(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	for _, gid := range csi.Subordinate {
		if err := m.store.Delete(ctx, Key(userID, clientID, gid)); err != nil {
			return err
		}
	}
	return m.store.Delete(ctx, Key(userID, clientID))
}

func (m *Manager) detachFromUser(ctx context.Context, userID, clientID string) error {
	usi, err := m.GetUserSession(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	usi.RemoveSubordinate(clientID)
	return m.setNode(ctx, Key(userID), usi)
}

func (m *Manager) getNode(ctx context.Context, key string, into any) error {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("session: decode node %q: %w", key, err)
	}
	return nil
}

func (m *Manager) setNode(ctx context.Context, key string, node any) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("session: encode node %q: %w", key, err)
	}
	return m.store.Set(ctx, key, raw)
}
