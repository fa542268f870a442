package authz_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/claims"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/par"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
)

const issuer = "https://op.example.org"

type flowFixture struct {
	flow     *authz.Flow
	builder  *authz.Builder
	sessions *session.Manager
	registry *client.StaticRegistry
	pushed   *par.Store
}

func newFixture(t *testing.T) *flowFixture {
	t.Helper()
	ks, err := token.NewKeystore()
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	codec := token.NewJWTCodec(issuer, ks, time.Hour)
	sessions := session.NewManager(session.NewMemoryStorage(), token.NewUniformHandlerSet(codec), "pepper")

	registry := client.NewStaticRegistry([]*client.Client{
		{
			ID:            "client-1",
			Secret:        "hush",
			RedirectURIs:  []string{"https://rp.example.com/cb"},
			ResponseTypes: []string{"code", "code token", "id_token", "code id_token"},
		},
	})

	broker := authn.NewBroker()
	broker.Register(fakeMethod{acr: "bronze"})

	pushed := par.NewStore(time.Minute)
	flow := authz.NewFlow(authz.Deps{
		Sessions: sessions,
		Clients:  registry,
		Broker:   broker,
		Requests: pushed,
		Issuer:   issuer,
	})
	builder := authz.NewBuilder(authz.BuilderDeps{
		Sessions: sessions,
		Issuer:   issuer,
	})
	return &flowFixture{flow: flow, builder: builder, sessions: sessions, registry: registry, pushed: pushed}
}

type fakeMethod struct{ acr string }

func (f fakeMethod) ACR() string             { return f.acr }
func (f fakeMethod) Validity() time.Duration { return time.Hour }
func (f fakeMethod) Authenticate(context.Context, authn.Credentials) (string, error) {
	return "diana", nil
}

func codeRequest() *oidc.AuthorizationRequest {
	req, _ := oidc.ParseAuthorizationRequest(url.Values{
		"client_id":     {"client-1"},
		"response_type": {"code"},
		"scope":         {"openid"},
		"redirect_uri":  {"https://rp.example.com/cb"},
		"state":         {"xyz"},
	})
	return req
}

func TestAuthorizeSuspendsWithoutSession(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.flow.Authorize(context.Background(), codeRequest(), "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.NeedsAuthentication {
		t.Fatalf("kind: got %v", out.Kind)
	}
	if out.Method == nil || out.Method.ACR() != "bronze" {
		t.Fatalf("expected bronze method handoff")
	}
}

func TestPromptNoneWithoutSessionIsLoginRequired(t *testing.T) {
	fx := newFixture(t)
	req := codeRequest()
	req.Prompt = []string{"none"}

	out, err := fx.flow.Authorize(context.Background(), req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.Denied || out.Err.Error != oidc.ErrCodeLoginRequired {
		t.Fatalf("expected login_required, got %+v", out)
	}
}

func TestUnknownClientDenied(t *testing.T) {
	fx := newFixture(t)
	req := codeRequest()
	req.ClientID = "ghost"

	out, err := fx.flow.Authorize(context.Background(), req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.Denied || out.Err.Error != oidc.ErrCodeUnauthorizedClient {
		t.Fatalf("expected unauthorized_client, got %+v", out)
	}
	if out.Redirectable {
		t.Fatalf("unknown client errors must not redirect")
	}
}

func TestCompleteThenCodeResponse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := codeRequest()

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	out, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Kind != authz.Proceed {
		t.Fatalf("kind: %v (%+v)", out.Kind, out.Err)
	}

	resp, err := fx.builder.Build(ctx, out)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	u, err := url.Parse(resp.Location)
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := u.Query()
	if q.Get("code") == "" || q.Get("state") != "xyz" {
		t.Fatalf("unexpected response: %v", q)
	}
	if q.Get("iss") != issuer || q.Get("client_id") != "client-1" {
		t.Fatalf("mix-up mitigation fields missing: %v", q)
	}

	// Exactly one token minted, single-use code, value maps back to session.
	info, err := fx.sessions.GetSessionInfo(ctx, out.SessionID)
	if err != nil {
		t.Fatalf("session info: %v", err)
	}
	if len(info.Grant.IssuedTokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(info.Grant.IssuedTokens))
	}
	code := info.Grant.IssuedTokens[0]
	if code.Type != session.TypeAuthorizationCode || code.UsageRules.MaxUsage != 1 {
		t.Fatalf("unexpected code token: %+v", code)
	}
	back, _, err := fx.sessions.GetSessionInfoByToken(ctx, code.Value)
	if err != nil || back.SessionID() != out.SessionID {
		t.Fatalf("reverse lookup: %v", err)
	}
}

func TestGrantReuseForIdenticalRequest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := codeRequest()

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	first, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil || first.Kind != authz.Proceed {
		t.Fatalf("complete: %v %+v", err, first)
	}

	again, err := fx.flow.Authorize(ctx, codeRequest(), first.SessionID)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if again.Kind != authz.Proceed || again.SessionID != first.SessionID {
		t.Fatalf("expected grant reuse, got %+v", again)
	}

	// A different request gets a new grant under the same client session.
	changed := codeRequest()
	changed.Raw.Set("scope", "openid email")
	changed.Scope = []string{"openid", "email"}
	other, err := fx.flow.Authorize(ctx, changed, first.SessionID)
	if err != nil {
		t.Fatalf("authorize changed: %v", err)
	}
	if other.Kind != authz.Proceed || other.SessionID == first.SessionID {
		t.Fatalf("expected new grant, got %+v", other)
	}
}

func TestMaxAgeZeroForcesReauth(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	first, err := fx.flow.Complete(ctx, codeRequest(), "diana", ev)
	if err != nil || first.Kind != authz.Proceed {
		t.Fatalf("complete: %v", err)
	}

	req := codeRequest()
	req.UPMAnswer = true
	out, err := fx.flow.Authorize(ctx, req, first.SessionID)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.NeedsAuthentication {
		t.Fatalf("expected re-authentication, got %v", out.Kind)
	}
}

func TestPushedRequestResolvedOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ref, _ := fx.pushed.Push(codeRequest().Values())
	byRef := &oidc.AuthorizationRequest{ClientID: "client-1", RequestURI: ref}

	out, err := fx.flow.Authorize(ctx, byRef, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.NeedsAuthentication {
		t.Fatalf("expected suspension for resolved request, got %+v", out)
	}
	if out.Request.RedirectURI != "https://rp.example.com/cb" {
		t.Fatalf("pushed request not substituted: %+v", out.Request)
	}

	second, err := fx.flow.Authorize(ctx, byRef, "")
	if err != nil {
		t.Fatalf("authorize second: %v", err)
	}
	if second.Kind != authz.Denied {
		t.Fatalf("expected denial on second resolution, got %v", second.Kind)
	}
}

func TestFormPostResponse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := codeRequest()
	req.ResponseMode = "form_post"

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	out, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil || out.Kind != authz.Proceed {
		t.Fatalf("complete: %v", err)
	}
	resp, err := fx.builder.Build(ctx, out)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if resp.ContentType != "text/html" {
		t.Fatalf("content type: %q", resp.ContentType)
	}
	body := string(resp.HTML)
	for _, f := range resp.Fields.Fields() {
		if !strings.Contains(body, `name="`+f.Name+`"`) {
			t.Fatalf("missing hidden input for %q in %s", f.Name, body)
		}
	}
	if !strings.Contains(body, `onload="javascript:document.forms[0].submit()"`) {
		t.Fatalf("missing auto-submit: %s", body)
	}
}

func TestQueryModeRejectedForFragmentResponseType(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := codeRequest()
	req.ResponseType = []string{"id_token"}
	req.Raw.Set("response_type", "id_token")
	req.ResponseMode = "query"
	req.Nonce = "n-1"

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	out, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil || out.Kind != authz.Proceed {
		t.Fatalf("complete: %v", err)
	}
	resp, err := fx.builder.Build(ctx, out)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if resp.Fields.Get("error") != oidc.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", resp.Fields)
	}
}

func TestRemoteRequestObject(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, jwtv5.MapClaims{
		"client_id":     "client-1",
		"response_type": "code",
		"scope":         "openid",
		"redirect_uri":  "https://rp.example.com/cb",
		"state":         "obj-state",
	}).SignedString([]byte("hush"))
	if err != nil {
		t.Fatalf("sign request object: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(signed))
	}))
	defer srv.Close()

	req, _ := oidc.ParseAuthorizationRequest(url.Values{
		"client_id":   {"client-1"},
		"request_uri": {srv.URL + "/req.jwt"},
	})
	out, err := fx.flow.Authorize(ctx, req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.NeedsAuthentication {
		t.Fatalf("expected suspension, got %v (%+v)", out.Kind, out.Err)
	}
	if out.Request.State != "obj-state" || !out.Request.HasResponseType("code") {
		t.Fatalf("request object not merged: %+v", out.Request)
	}
}

func TestRemoteRequestObjectBadSignature(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, jwtv5.MapClaims{
		"client_id":     "client-1",
		"response_type": "code",
		"redirect_uri":  "https://rp.example.com/cb",
	}).SignedString([]byte("wrong-key"))
	if err != nil {
		t.Fatalf("sign request object: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(signed))
	}))
	defer srv.Close()

	req, _ := oidc.ParseAuthorizationRequest(url.Values{
		"client_id":   {"client-1"},
		"request_uri": {srv.URL + "/req.jwt"},
	})
	out, err := fx.flow.Authorize(ctx, req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.Denied || out.Err.Error != oidc.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", out)
	}
}

func TestRemoteRequestObjectFetchFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, _ := oidc.ParseAuthorizationRequest(url.Values{
		"client_id":   {"client-1"},
		"request_uri": {srv.URL + "/req.jwt"},
	})
	out, err := fx.flow.Authorize(ctx, req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.Denied || out.Err.Error != oidc.ErrCodeServerError {
		t.Fatalf("expected server_error, got %+v", out)
	}
}

func TestFragmentModeRejectedForCodeOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := codeRequest()
	req.ResponseMode = "fragment"

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	out, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil || out.Kind != authz.Proceed {
		t.Fatalf("complete: %v", err)
	}
	resp, err := fx.builder.Build(ctx, out)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if resp.Fields.Get("error") != oidc.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", resp.Fields)
	}
}

func TestExplicitMethodBeatsACRPick(t *testing.T) {
	fx := newFixture(t)
	req := codeRequest()
	req.ACRValues = []string{"gold"}
	req.Raw.Set("authn_method", "bronze")

	out, err := fx.flow.Authorize(context.Background(), req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.NeedsAuthentication {
		t.Fatalf("kind: got %v", out.Kind)
	}
	if out.Method == nil || out.Method.ACR() != "bronze" {
		t.Fatalf("expected explicitly named method")
	}
}

func TestUnknownExplicitMethodDenied(t *testing.T) {
	fx := newFixture(t)
	req := codeRequest()
	req.Raw.Set("authn_method", "webauthn")

	out, err := fx.flow.Authorize(context.Background(), req, "")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if out.Kind != authz.Denied {
		t.Fatalf("kind: got %v", out.Kind)
	}
	if out.Err == nil || out.Err.Error != oidc.ErrCodeAccessDenied {
		t.Fatalf("expected access_denied, got %+v", out.Err)
	}
}

func TestClientUsageRulesBindToGrant(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.registry.Put(&client.Client{
		ID:           "client-2",
		RedirectURIs: []string{"https://rp2.example.com/cb"},
		TokenUsageRules: map[string]session.UsageRules{
			session.TypeAccessToken: {ExpiresIn: 90},
		},
	})
	req := codeRequest()
	req.ClientID = "client-2"
	req.RedirectURI = "https://rp2.example.com/cb"
	req.Raw.Set("client_id", "client-2")
	req.Raw.Set("redirect_uri", "https://rp2.example.com/cb")

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	out, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil || out.Kind != authz.Proceed {
		t.Fatalf("complete: %v", err)
	}

	at, err := fx.sessions.MintToken(ctx, out.SessionID, session.MintSpec{
		TokenType: session.TypeAccessToken,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if at.UsageRules.ExpiresIn != 90 {
		t.Fatalf("access token expires_in: got %d want 90", at.UsageRules.ExpiresIn)
	}
}

type staticUsers map[string]map[string]any

func (s staticUsers) Claims(_ context.Context, userID string) (map[string]any, error) {
	return s[userID], nil
}

func TestGrantSnapshotsReleasedClaims(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	resolver := claims.NewResolver(map[string]claims.UsagePolicy{
		claims.UsageIDToken: {BaseClaims: []string{"email"}},
	}, nil, staticUsers{
		"diana": {"email": "diana@example.org"},
	})
	builder := authz.NewBuilder(authz.BuilderDeps{
		Sessions: fx.sessions,
		Claims:   resolver,
		Issuer:   issuer,
	})

	req := codeRequest()
	req.ResponseType = []string{"code", "id_token"}
	req.Raw.Set("response_type", "code id_token")
	req.Nonce = "n-1"

	ev := authn.NewEvent("diana", "bronze", time.Hour)
	out, err := fx.flow.Complete(ctx, req, "diana", ev)
	if err != nil || out.Kind != authz.Proceed {
		t.Fatalf("complete: %v", err)
	}
	if _, err := builder.Build(ctx, out); err != nil {
		t.Fatalf("build: %v", err)
	}

	info, err := fx.sessions.GetSessionInfo(ctx, out.SessionID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	restriction, ok := info.Grant.Claims[claims.UsageIDToken]
	if !ok {
		t.Fatalf("grant did not record the id_token restriction")
	}
	if _, ok := restriction["email"]; !ok {
		t.Fatalf("restriction missing email: %v", restriction)
	}

	// A grant exchanged from one of its tokens carries the snapshot.
	at, err := fx.sessions.MintToken(ctx, out.SessionID, session.MintSpec{
		TokenType: session.TypeAccessToken,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	exSID, err := fx.sessions.ExchangeToken(ctx, out.SessionID, at.ID, time.Minute)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	ex, err := fx.sessions.GetSessionInfo(ctx, exSID)
	if err != nil {
		t.Fatalf("load exchange grant: %v", err)
	}
	if _, ok := ex.Grant.Claims[claims.UsageIDToken]; !ok {
		t.Fatalf("exchange grant lost the claims snapshot")
	}
}
