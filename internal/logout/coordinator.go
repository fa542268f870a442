// Package logout coordinates RP-initiated logout: building and delivering
// front- and back-channel notifications and validating end-session
// requests.
package logout

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/metrics"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/security/secretbox"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
)

// BackChannelEventURI is the events key of a back-channel logout token.
const BackChannelEventURI = "http://schemas.openid.net/event/backchannel-logout"

var (
	// ErrNoLogoutURI means the client registered neither logout channel.
	ErrNoLogoutURI = errors.New("logout: client has no logout uri")
	// ErrBadIDTokenHint rejects unverifiable or mismatched id_token_hint values.
	ErrBadIDTokenHint = errors.New("logout: id_token_hint does not match session")
	// ErrUnregisteredPostLogoutURI rejects post_logout_redirect_uri values
	// the client never registered.
	ErrUnregisteredPostLogoutURI = errors.New("logout: post_logout_redirect_uri not registered")
)

// BackChannel is one queued back-channel notification.
type BackChannel struct {
	URI   string
	Token string
}

// Result partitions the notifications built for a logout.
type Result struct {
	// BLU maps client id to its back-channel delivery.
	BLU map[string]BackChannel
	// FLU maps client id to its front-channel iframe HTML.
	FLU map[string]string
}

// Deps wires the coordinator.
type Deps struct {
	Sessions *session.Manager
	Clients  client.Registry
	Keys     *token.Keystore
	Tokens   *token.HandlerSet
	Box      *secretbox.Box
	Issuer   string
	// HTTPClient posts back-channel notifications. Nil gets a bounded default.
	HTTPClient *http.Client
}

// Coordinator fans logout out to every client holding a session with the
// user and revokes the sessions regardless of delivery outcome.
type Coordinator struct {
	deps Deps
}

// NewCoordinator builds a coordinator.
func NewCoordinator(d Deps) *Coordinator {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Coordinator{deps: d}
}

// LogoutFromClient builds the notification for one client session and
// revokes it. The session id addresses the session being ended.
func (c *Coordinator) LogoutFromClient(ctx context.Context, sessionID string) (*Result, error) {
	parts, err := session.Unpack(sessionID)
	if err != nil {
		return nil, err
	}
	if len(parts) < 2 {
		return nil, session.ErrMalformedKey
	}
	res := &Result{BLU: map[string]BackChannel{}, FLU: map[string]string{}}
	if err := c.notifyClient(ctx, res, parts[0], parts[1], sessionID); err != nil && !errors.Is(err, ErrNoLogoutURI) {
		return nil, err
	}
	if err := c.deps.Sessions.RevokeClientSession(ctx, parts[0], parts[1]); err != nil {
		return nil, err
	}
	return res, nil
}

// LogoutAllClients fans out over every client session of the user behind
// sessionID. Every visited client session ends revoked, whether or not a
// notification could be built for it.
func (c *Coordinator) LogoutAllClients(ctx context.Context, sessionID string) (*Result, error) {
	parts, err := session.Unpack(sessionID)
	if err != nil {
		return nil, err
	}
	userID := parts[0]

	clientIDs, err := c.deps.Sessions.ClientIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &Result{BLU: map[string]BackChannel{}, FLU: map[string]string{}}
	log := logger.From(ctx).With(logger.Layer("logout"), logger.Op("LogoutAllClients"))

	for _, cid := range clientIDs {
		sid := session.Key(userID, cid, c.grantIDFor(ctx, userID, cid))
		if err := c.notifyClient(ctx, res, userID, cid, sid); err != nil && !errors.Is(err, ErrNoLogoutURI) {
			log.Warn("building logout notification failed", logger.ClientID(cid), logger.Err(err))
		}
		if err := c.deps.Sessions.RevokeClientSession(ctx, userID, cid); err != nil && !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	return res, nil
}

func (c *Coordinator) grantIDFor(ctx context.Context, userID, clientID string) string {
	grants, err := c.deps.Sessions.Grants(ctx, userID, clientID)
	if err != nil || len(grants) == 0 {
		return "-"
	}
	return grants[len(grants)-1].ID
}

// notifyClient builds the back- or front-channel notification for one
// client into res.
func (c *Coordinator) notifyClient(ctx context.Context, res *Result, userID, clientID, sessionID string) error {
	reg, err := c.deps.Clients.Get(clientID)
	if err != nil {
		return err
	}
	switch {
	case reg.BackchannelLogoutURI != "":
		tok, err := c.logoutToken(ctx, userID, clientID, sessionID)
		if err != nil {
			return err
		}
		res.BLU[clientID] = BackChannel{URI: reg.BackchannelLogoutURI, Token: tok}
	case reg.FrontchannelLogoutURI != "":
		iframe, err := c.frontChannelIframe(reg, sessionID)
		if err != nil {
			return err
		}
		res.FLU[clientID] = iframe
	default:
		return ErrNoLogoutURI
	}
	return nil
}

// logoutToken builds the signed back-channel logout token. Both sub and
// sid are always present so the relying party can match the session
// either way. All clients get the provider's Ed25519 signature; per
// client signing algorithms are not negotiated, the keystore holds one
// algorithm for every token the provider issues.
func (c *Coordinator) logoutToken(ctx context.Context, userID, clientID, sessionID string) (string, error) {
	sub := userID
	if info, err := c.deps.Sessions.GetClientSession(ctx, userID, clientID); err == nil && info.Sub != "" {
		sub = info.Sub
	}
	sid, err := c.sealedSID(sessionID)
	if err != nil {
		return "", err
	}
	claims := jwtv5.MapClaims{
		"iss": c.deps.Issuer,
		"sub": sub,
		"sid": sid,
		"aud": []string{clientID},
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
		"events": map[string]any{
			BackChannelEventURI: map[string]any{},
		},
	}
	kid, priv := c.deps.Keys.Active()
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = kid
	tk.Header["typ"] = "logout+jwt"
	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign logout token: %w", err)
	}
	return signed, nil
}

// frontChannelIframe renders the iframe for one client, with iss and sid
// merged into the registered URI when the client asked for session binding.
func (c *Coordinator) frontChannelIframe(reg *client.Client, sessionID string) (string, error) {
	uri := reg.FrontchannelLogoutURI
	if reg.FrontchannelLogoutSessionRequired {
		sid, err := c.sealedSID(sessionID)
		if err != nil {
			return "", err
		}
		uri, err = authz.JoinQuery(uri, url.Values{
			"iss": {c.deps.Issuer},
			"sid": {sid},
		})
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf(`<iframe src="%s">`, uri), nil
}

// sealedSID is the externally visible session reference: the AEAD-sealed
// session key, base64url wrapped for URL and claim transport.
func (c *Coordinator) sealedSID(sessionID string) (string, error) {
	sealed, err := c.deps.Box.Seal(sessionID)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString([]byte(sealed)), nil
}

// OpenSID reverses sealedSID.
func (c *Coordinator) OpenSID(sid string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sid)
	if err != nil {
		return "", err
	}
	return c.deps.Box.Open(string(raw))
}

// DoVerifiedLogout delivers the queued back-channel notifications and
// returns the front-channel iframes for the caller to render. One
// unreachable relying party never blocks the others; 501 and 504 are
// accepted outcomes, anything else non-2xx is logged and dropped.
func (c *Coordinator) DoVerifiedLogout(ctx context.Context, res *Result) []string {
	log := logger.From(ctx).With(logger.Layer("logout"), logger.Op("DoVerifiedLogout"))

	g, ctx := errgroup.WithContext(ctx)
	for cid, blu := range res.BLU {
		cid, blu := cid, blu
		g.Go(func() error {
			c.deliver(ctx, log, cid, blu)
			return nil
		})
	}
	_ = g.Wait()

	iframes := make([]string, 0, len(res.FLU))
	for _, html := range res.FLU {
		iframes = append(iframes, html)
	}
	return iframes
}

func (c *Coordinator) deliver(ctx context.Context, log *zap.Logger, clientID string, blu BackChannel) {
	body := url.Values{"logout_token": {blu.Token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, blu.URI, strings.NewReader(body))
	if err != nil {
		metrics.LogoutDeliveries.WithLabelValues("error").Inc()
		log.Warn("back-channel request build failed", logger.ClientID(clientID), logger.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		metrics.LogoutDeliveries.WithLabelValues("unreachable").Inc()
		log.Warn("back-channel delivery failed", logger.ClientID(clientID), logger.Err(err))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.LogoutDeliveries.WithLabelValues("ok").Inc()
	case resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusGatewayTimeout:
		// Tolerated per the back-channel logout profile.
		metrics.LogoutDeliveries.WithLabelValues("tolerated").Inc()
	default:
		metrics.LogoutDeliveries.WithLabelValues("rejected").Inc()
		log.Warn("back-channel delivery rejected",
			logger.ClientID(clientID), logger.Status(resp.StatusCode))
	}
}
