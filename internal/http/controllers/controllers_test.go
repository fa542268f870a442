package controllers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/claims"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/cookie"
	"github.com/dropDatabas3/veil/internal/http/controllers"
	"github.com/dropDatabas3/veil/internal/http/router"
	"github.com/dropDatabas3/veil/internal/logout"
	"github.com/dropDatabas3/veil/internal/par"
	"github.com/dropDatabas3/veil/internal/security/secretbox"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
	"github.com/dropDatabas3/veil/internal/user"
)

const testIssuer = "https://op.example.org"

func newProvider(t *testing.T) http.Handler {
	t.Helper()

	ks, err := token.NewKeystore()
	require.NoError(t, err)
	codec := token.NewJWTCodec(testIssuer, ks, time.Hour)
	handlers := token.NewUniformHandlerSet(codec)
	sessions := session.NewManager(session.NewMemoryStorage(), handlers, "pepper")

	registry := client.NewStaticRegistry([]*client.Client{
		{
			ID:            "web",
			Secret:        "s3cret",
			RedirectURIs:  []string{"https://rp.example.com/cb"},
			ResponseTypes: []string{"code"},
		},
	})

	hash, err := authn.HashPassword("hunter2", bcrypt.MinCost)
	require.NoError(t, err)
	users := user.NewDirectory([]*user.User{{
		ID:           "u-1",
		Username:     "diana",
		PasswordHash: hash,
		Claims:       map[string]any{"name": "Diana Krall", "email": "diana@example.com"},
	}})

	broker := authn.NewBroker()
	broker.Register(authn.NewPasswordMethod(users))

	resolver := claims.NewResolver(map[string]claims.UsagePolicy{
		claims.UsageIDToken: {AddClaimsByScope: true},
	}, registry, users)

	pushed := par.NewStore(time.Minute)
	flow := authz.NewFlow(authz.Deps{
		Sessions: sessions,
		Clients:  registry,
		Broker:   broker,
		Requests: pushed,
		Issuer:   testIssuer,
	})
	builder := authz.NewBuilder(authz.BuilderDeps{
		Sessions: sessions,
		Claims:   resolver,
		Issuer:   testIssuer,
	})

	box, err := secretbox.New(make([]byte, 32))
	require.NoError(t, err)
	dealer := cookie.NewDealer(box)

	coordinator := logout.NewCoordinator(logout.Deps{
		Sessions: sessions,
		Clients:  registry,
		Keys:     ks,
		Tokens:   handlers,
		Box:      box,
		Issuer:   testIssuer,
	})

	return router.New(router.Controllers{
		Authorize:  controllers.NewAuthorizeController(flow, builder, dealer),
		PAR:        controllers.NewPARController(pushed, registry),
		EndSession: controllers.NewEndSessionController(coordinator, dealer),
	})
}

func authorizeParams(state string) url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {"web"},
		"redirect_uri":  {"https://rp.example.com/cb"},
		"scope":         {"openid"},
		"state":         {state},
	}
}

// login drives the authorize + login round trip and returns the final
// redirect response.
func login(t *testing.T, h http.Handler, params url.Values) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `action="/authorize/login"`)

	form := url.Values{}
	for k, vs := range params {
		form[k] = vs
	}
	form.Set("username", "diana")
	form.Set("password", "hunter2")

	req := httptest.NewRequest(http.MethodPost, "/authorize/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	return rec
}

func TestAuthorizeLoginRoundTrip(t *testing.T) {
	h := newProvider(t)
	rec := login(t, h, authorizeParams("xyz"))

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "https://rp.example.com/cb", loc.Scheme+"://"+loc.Host+loc.Path)

	q := loc.Query()
	require.NotEmpty(t, q.Get("code"))
	require.Equal(t, "xyz", q.Get("state"))
	require.Equal(t, testIssuer, q.Get("iss"))
	require.Equal(t, "web", q.Get("client_id"))

	var sessionCookie bool
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == cookie.SessionCookieName && ck.Value != "" {
			sessionCookie = true
		}
	}
	require.True(t, sessionCookie, "expected a session cookie on success")
}

func TestAuthorizeBadCredentialsReRendersLogin(t *testing.T) {
	h := newProvider(t)
	form := authorizeParams("s1")
	form.Set("username", "diana")
	form.Set("password", "wrong")

	req := httptest.NewRequest(http.MethodPost, "/authorize/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `action="/authorize/login"`)
}

func TestPARThenAuthorize(t *testing.T) {
	h := newProvider(t)

	// A logged-in browser first.
	first := login(t, h, authorizeParams("first"))
	var sessionCk *http.Cookie
	for _, ck := range first.Result().Cookies() {
		if ck.Name == cookie.SessionCookieName {
			sessionCk = ck
		}
	}
	require.NotNil(t, sessionCk)

	params := authorizeParams("pushed")
	req := httptest.NewRequest(http.MethodPost, "/par", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var out struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int64  `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, strings.HasPrefix(out.RequestURI, "urn:uuid:"))
	require.Greater(t, out.ExpiresIn, int64(0))

	// Redeem the reference with the existing session: no login needed.
	q := url.Values{"client_id": {"web"}, "request_uri": {out.RequestURI}}
	req = httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.AddCookie(sessionCk)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "pushed", loc.Query().Get("state"))
	require.NotEmpty(t, loc.Query().Get("code"))

	// The reference is burned after one use.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPARRejectsBadClientSecret(t *testing.T) {
	h := newProvider(t)

	req := httptest.NewRequest(http.MethodPost, "/par", strings.NewReader(authorizeParams("x").Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web", "not-the-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

var confirmationRe = regexp.MustCompile(`name="confirmation" value="([^"]+)"`)

func TestEndSessionConfirmFlow(t *testing.T) {
	h := newProvider(t)

	first := login(t, h, authorizeParams("es"))
	var sessionCk *http.Cookie
	for _, ck := range first.Result().Cookies() {
		if ck.Name == cookie.SessionCookieName {
			sessionCk = ck
		}
	}
	require.NotNil(t, sessionCk)

	req := httptest.NewRequest(http.MethodGet, "/end_session", nil)
	req.AddCookie(sessionCk)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	m := confirmationRe.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "confirmation page must carry the sealed confirmation")

	form := url.Values{"confirmation": {m[1]}}
	req = httptest.NewRequest(http.MethodPost, "/end_session/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(sessionCk)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Both cookies are cleared.
	cleared := map[string]bool{}
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 || (!ck.Expires.IsZero() && ck.Expires.Before(time.Now())) {
			cleared[ck.Name] = true
		}
	}
	require.True(t, cleared[cookie.SessionCookieName])
	require.True(t, cleared[cookie.OPBSCookieName])

	// Forged confirmations are rejected.
	req = httptest.NewRequest(http.MethodPost, "/end_session/confirm",
		strings.NewReader(url.Values{"confirmation": {"bogus"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
