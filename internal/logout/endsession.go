package logout

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
)

// ErrBadConfirmation rejects expired or unverifiable confirmation tokens.
var ErrBadConfirmation = errors.New("logout: invalid confirmation token")

// confirmationLifetime bounds the window between showing the logout
// confirmation page and the user submitting it.
const confirmationLifetime = 5 * time.Minute

// Confirmation is the verified content of a confirmation token.
type Confirmation struct {
	SessionID   string
	State       string
	RedirectURI string
}

// ValidateEndSession checks an RP-initiated logout request against the
// session it targets and returns a signed confirmation token. The endpoint
// never redirects directly; the confirmation round trip is what authorizes
// the actual logout.
func (c *Coordinator) ValidateEndSession(ctx context.Context, req *oidc.EndSessionRequest, cookieSessionID string) (string, error) {
	sessionID := cookieSessionID
	var hint *token.Info

	if req.IDTokenHint != "" {
		var err error
		hint, err = c.deps.Tokens.Decode(req.IDTokenHint)
		if err != nil {
			return "", ErrBadIDTokenHint
		}
		if sessionID == "" {
			sessionID = hint.SessionID
		}
	}
	if sessionID == "" {
		return "", session.ErrNotFound
	}
	info, err := c.deps.Sessions.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return "", err
	}
	// A hint that is literally the last id_token issued on this client
	// session needs no further matching.
	if hint != nil && req.IDTokenHint != info.ClientSession.LastIDToken {
		if err := matchHint(hint, info); err != nil {
			return "", err
		}
	}

	redirectURI := ""
	if req.PostLogoutRedirectURI != "" {
		// A post-logout target needs a verified id_token_hint and a
		// matching registration.
		if hint == nil {
			return "", ErrBadIDTokenHint
		}
		reg, err := c.deps.Clients.Get(info.ClientID)
		if err != nil {
			return "", err
		}
		if !registeredPostLogoutURI(req.PostLogoutRedirectURI, reg.PostLogoutRedirectURIs) {
			return "", ErrUnregisteredPostLogoutURI
		}
		redirectURI = req.PostLogoutRedirectURI
	}

	return c.confirmationToken(sessionID, req.State, redirectURI)
}

// matchHint requires the hint's subject and audience to match the session.
func matchHint(hint *token.Info, info *session.Info) error {
	if hint.SessionID != info.SessionID() {
		return ErrBadIDTokenHint
	}
	if sub, ok := hint.Claims["sub"].(string); ok && sub != info.Grant.Sub {
		return ErrBadIDTokenHint
	}
	if aud, ok := hint.Claims["aud"]; ok && !audContains(aud, info.ClientID) {
		return ErrBadIDTokenHint
	}
	return nil
}

func audContains(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []string:
		for _, a := range v {
			if a == clientID {
				return true
			}
		}
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok && s == clientID {
				return true
			}
		}
	}
	return false
}

// registeredPostLogoutURI applies the redirect_uri matching rules to the
// post_logout_redirect_uri: exact base match plus query reconciliation.
func registeredPostLogoutURI(uri string, registered []string) bool {
	return authz.VerifyAgainst(uri, registered) == nil
}

// confirmationToken signs the short-lived token the confirmation page must
// present back.
func (c *Coordinator) confirmationToken(sessionID, state, redirectURI string) (string, error) {
	sid, err := c.sealedSID(sessionID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := jwtv5.MapClaims{
		"iss": c.deps.Issuer,
		"aud": c.deps.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(confirmationLifetime).Unix(),
		"jti": uuid.NewString(),
		"sid": sid,
	}
	if state != "" {
		claims["state"] = state
	}
	if redirectURI != "" {
		claims["redirect_uri"] = redirectURI
	}
	kid, priv := c.deps.Keys.Active()
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = kid
	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign confirmation: %w", err)
	}
	return signed, nil
}

// VerifyConfirmation validates a confirmation token and recovers the
// logout target.
func (c *Coordinator) VerifyConfirmation(value string) (*Confirmation, error) {
	parsed, err := jwtv5.Parse(value,
		func(t *jwtv5.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return c.deps.Keys.PublicKeyByKID(kid)
		},
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodEdDSA.Alg()}),
		jwtv5.WithIssuer(c.deps.Issuer),
	)
	if err != nil {
		return nil, ErrBadConfirmation
	}
	mc, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, ErrBadConfirmation
	}
	sid, _ := mc["sid"].(string)
	sessionID, err := c.OpenSID(sid)
	if err != nil {
		return nil, ErrBadConfirmation
	}
	out := &Confirmation{SessionID: sessionID}
	out.State, _ = mc["state"].(string)
	out.RedirectURI, _ = mc["redirect_uri"].(string)
	return out, nil
}
