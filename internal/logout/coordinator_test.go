package logout_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/logout"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/security/secretbox"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
)

const issuer = "https://op.example.org"

type fixture struct {
	coord    *logout.Coordinator
	sessions *session.Manager
	registry *client.StaticRegistry
	codec    *token.JWTCodec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks, err := token.NewKeystore()
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	codec := token.NewJWTCodec(issuer, ks, time.Hour)
	handlers := token.NewUniformHandlerSet(codec)
	sessions := session.NewManager(session.NewMemoryStorage(), handlers, "pepper")

	registry := client.NewStaticRegistry([]*client.Client{
		{
			ID:                               "client-a",
			RedirectURIs:                     []string{"https://a.example.com/cb"},
			BackchannelLogoutURI:             "https://a.example.com/backchannel",
			BackchannelLogoutSessionRequired: true,
		},
		{
			ID:                                "client-b",
			RedirectURIs:                      []string{"https://b.example.com/cb"},
			FrontchannelLogoutURI:             "https://b.example.com/frontchannel",
			FrontchannelLogoutSessionRequired: true,
		},
	})

	box, err := secretbox.New(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	coord := logout.NewCoordinator(logout.Deps{
		Sessions: sessions,
		Clients:  registry,
		Keys:     ks,
		Tokens:   handlers,
		Box:      box,
		Issuer:   issuer,
	})
	return &fixture{coord: coord, sessions: sessions, registry: registry, codec: codec}
}

func createSession(t *testing.T, m *session.Manager, user, clientID string) string {
	t.Helper()
	ev := authn.NewEvent(user, "bronze", time.Hour)
	req := &oidc.AuthorizationRequest{ClientID: clientID, Scope: []string{"openid"}}
	sid, err := m.CreateSession(context.Background(), ev, req, user, clientID, "", "public", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sid
}

func TestLogoutAllClientsPartitionsChannels(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sidA := createSession(t, fx.sessions, "diana", "client-a")
	createSession(t, fx.sessions, "diana", "client-b")

	res, err := fx.coord.LogoutAllClients(ctx, sidA)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}

	blu, ok := res.BLU["client-a"]
	if !ok {
		t.Fatalf("client-a missing from blu: %+v", res)
	}
	if blu.URI != "https://a.example.com/backchannel" || blu.Token == "" {
		t.Fatalf("unexpected back-channel entry: %+v", blu)
	}
	iframe, ok := res.FLU["client-b"]
	if !ok || !strings.HasPrefix(iframe, `<iframe src="https://b.example.com/frontchannel?`) {
		t.Fatalf("unexpected front-channel entry: %q", iframe)
	}
	if !strings.Contains(iframe, "iss=") || !strings.Contains(iframe, "sid=") {
		t.Fatalf("session binding params missing: %q", iframe)
	}

	// Both client sessions end revoked.
	for _, cid := range []string{"client-a", "client-b"} {
		csi, err := fx.sessions.GetClientSession(ctx, "diana", cid)
		if err != nil {
			t.Fatalf("client session %s: %v", cid, err)
		}
		if !csi.Revoked {
			t.Fatalf("client session %s not revoked", cid)
		}
	}
}

func TestLogoutFromClientRevokesEvenWithoutURI(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.registry.Put(&client.Client{ID: "client-c", RedirectURIs: []string{"https://c/cb"}})
	sid := createSession(t, fx.sessions, "diana", "client-c")

	res, err := fx.coord.LogoutFromClient(ctx, sid)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if len(res.BLU) != 0 || len(res.FLU) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
	csi, err := fx.sessions.GetClientSession(ctx, "diana", "client-c")
	if err != nil || !csi.Revoked {
		t.Fatalf("session must be revoked regardless: %v %+v", err, csi)
	}
}

func TestDoVerifiedLogoutToleratesFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var okHits, badHits atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("logout_token") == "" {
			t.Errorf("missing logout_token form field")
		}
		okHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer badSrv.Close()

	res := &logout.Result{
		BLU: map[string]logout.BackChannel{
			"client-a": {URI: okSrv.URL, Token: "tok-a"},
			"client-b": {URI: badSrv.URL, Token: "tok-b"},
			"client-c": {URI: "http://127.0.0.1:1/unreachable", Token: "tok-c"},
		},
		FLU: map[string]string{"client-d": `<iframe src="https://d/fc">`},
	}

	iframes := fx.coord.DoVerifiedLogout(ctx, res)
	if okHits.Load() != 1 || badHits.Load() != 1 {
		t.Fatalf("delivery counts: ok=%d bad=%d", okHits.Load(), badHits.Load())
	}
	if len(iframes) != 1 || iframes[0] != `<iframe src="https://d/fc">` {
		t.Fatalf("unexpected iframes: %v", iframes)
	}
}

func TestEndSessionConfirmationRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := createSession(t, fx.sessions, "diana", "client-a")

	info, err := fx.sessions.GetSessionInfo(ctx, sid)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	idToken, err := fx.codec.Encode(sid, token.TagID, map[string]any{
		"sub": info.Grant.Sub,
		"aud": []string{"client-a"},
	})
	if err != nil {
		t.Fatalf("encode hint: %v", err)
	}

	fx.registry.Put(&client.Client{
		ID:                     "client-a",
		RedirectURIs:           []string{"https://a.example.com/cb"},
		PostLogoutRedirectURIs: []string{"https://a.example.com/bye"},
	})

	req := &oidc.EndSessionRequest{
		IDTokenHint:           idToken,
		PostLogoutRedirectURI: "https://a.example.com/bye",
		State:                 "st-1",
	}
	confirmation, err := fx.coord.ValidateEndSession(ctx, req, "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	got, err := fx.coord.VerifyConfirmation(confirmation)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.SessionID != sid || got.State != "st-1" || got.RedirectURI != "https://a.example.com/bye" {
		t.Fatalf("unexpected confirmation: %+v", got)
	}
}

func TestEndSessionRejectsUnregisteredPostLogoutURI(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := createSession(t, fx.sessions, "diana", "client-a")

	info, _ := fx.sessions.GetSessionInfo(ctx, sid)
	idToken, _ := fx.codec.Encode(sid, token.TagID, map[string]any{
		"sub": info.Grant.Sub,
		"aud": []string{"client-a"},
	})

	req := &oidc.EndSessionRequest{
		IDTokenHint:           idToken,
		PostLogoutRedirectURI: "https://evil.example.com/bye",
	}
	if _, err := fx.coord.ValidateEndSession(ctx, req, ""); !errors.Is(err, logout.ErrUnregisteredPostLogoutURI) {
		t.Fatalf("expected ErrUnregisteredPostLogoutURI, got %v", err)
	}
}

func TestEndSessionRequiresHintForRedirect(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := createSession(t, fx.sessions, "diana", "client-a")

	req := &oidc.EndSessionRequest{PostLogoutRedirectURI: "https://a.example.com/bye"}
	if _, err := fx.coord.ValidateEndSession(ctx, req, sid); !errors.Is(err, logout.ErrBadIDTokenHint) {
		t.Fatalf("expected ErrBadIDTokenHint, got %v", err)
	}
}

func TestBackchannelTokenAlwaysCarriesSID(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// Registered without session binding; the notification still names
	// both the subject and the session.
	fx.registry.Put(&client.Client{
		ID:                   "client-d",
		RedirectURIs:         []string{"https://d.example.com/cb"},
		BackchannelLogoutURI: "https://d.example.com/backchannel",
	})
	sid := createSession(t, fx.sessions, "diana", "client-d")

	res, err := fx.coord.LogoutFromClient(ctx, sid)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	blu, ok := res.BLU["client-d"]
	if !ok {
		t.Fatalf("client-d missing from blu: %+v", res)
	}

	claims := jwtv5.MapClaims{}
	if _, _, err := jwtv5.NewParser().ParseUnverified(blu.Token, claims); err != nil {
		t.Fatalf("parse logout token: %v", err)
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		t.Fatalf("logout token missing sub: %+v", claims)
	}
	sealed, _ := claims["sid"].(string)
	if sealed == "" {
		t.Fatalf("logout token missing sid: %+v", claims)
	}
	opened, err := fx.coord.OpenSID(sealed)
	if err != nil {
		t.Fatalf("open sid: %v", err)
	}
	if opened != sid {
		t.Fatalf("sid: got %q want %q", opened, sid)
	}
}

func TestPostLogoutURIQueryReconciliation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sid := createSession(t, fx.sessions, "diana", "client-a")

	info, err := fx.sessions.GetSessionInfo(ctx, sid)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	idToken, err := fx.codec.Encode(sid, token.TagID, map[string]any{
		"sub": info.Grant.Sub,
		"aud": []string{"client-a"},
	})
	if err != nil {
		t.Fatalf("encode hint: %v", err)
	}
	fx.registry.Put(&client.Client{
		ID:                     "client-a",
		RedirectURIs:           []string{"https://a.example.com/cb"},
		PostLogoutRedirectURIs: []string{"https://a.example.com/bye?tenant=acme"},
	})

	for _, tc := range []struct {
		uri string
		ok  bool
	}{
		{"https://a.example.com/bye?tenant=acme", true},
		{"https://a.example.com/bye", false},
		{"https://a.example.com/bye?tenant=other", false},
		{"https://a.example.com/bye?tenant=acme&extra=1", false},
	} {
		req := &oidc.EndSessionRequest{
			IDTokenHint:           idToken,
			PostLogoutRedirectURI: tc.uri,
		}
		_, err := fx.coord.ValidateEndSession(ctx, req, "")
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.uri, err)
		}
		if !tc.ok && !errors.Is(err, logout.ErrUnregisteredPostLogoutURI) {
			t.Fatalf("%s: expected ErrUnregisteredPostLogoutURI, got %v", tc.uri, err)
		}
	}
}
