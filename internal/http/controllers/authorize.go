package controllers

import (
	"html/template"
	"net/http"
	"time"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/cookie"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/oidc"
)

// AuthorizeController drives the authorization endpoint and the login
// round trip a suspended flow needs.
type AuthorizeController struct {
	flow    *authz.Flow
	builder *authz.Builder
	dealer  *cookie.Dealer
	// sessionTTL bounds the identity cookie.
	sessionTTL time.Duration
}

// NewAuthorizeController wires the controller.
func NewAuthorizeController(flow *authz.Flow, builder *authz.Builder, dealer *cookie.Dealer) *AuthorizeController {
	return &AuthorizeController{
		flow:       flow,
		builder:    builder,
		dealer:     dealer,
		sessionTTL: 12 * time.Hour,
	}
}

var loginTmpl = template.Must(template.New("login").Parse(
	`<html><head><title>Sign in</title></head><body>` +
		`<form method="post" action="{{.Action}}">` +
		`{{range .Hidden}}<input type="hidden" name="{{.Name}}" value="{{.Value}}"/>{{end}}` +
		`<input type="text" name="username" autocomplete="username"/>` +
		`<input type="password" name="password" autocomplete="current-password"/>` +
		`<button type="submit">Sign in</button>` +
		`</form></body></html>`))

type hiddenField struct {
	Name  string
	Value string
}

// Authorize handles GET/POST /authorize.
func (c *AuthorizeController) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("AuthorizeController.Authorize"))

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed request"))
		return
	}
	req, err := oidc.ParseAuthorizationRequest(r.Form)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, err.Error()))
		return
	}

	out, err := c.flow.Authorize(ctx, req, c.cookieSession(r))
	if err != nil {
		log.Error("authorize failed", logger.Err(err))
		writeOAuthError(w, http.StatusInternalServerError, oidc.NewError(oidc.ErrCodeServerError, "internal error"))
		return
	}
	c.dispatch(w, r, out)
}

// Login handles POST /authorize/login: the resume leg of a suspended flow.
func (c *AuthorizeController) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("AuthorizeController.Login"))

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed request"))
		return
	}
	creds := authn.Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	params := r.Form
	params.Del("username")
	params.Del("password")
	req, err := oidc.ParseAuthorizationRequest(params)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, err.Error()))
		return
	}

	// Re-run the suspension decision to recover the method handoff.
	out, err := c.flow.Authorize(ctx, req, "")
	if err != nil {
		log.Error("authorize failed", logger.Err(err))
		writeOAuthError(w, http.StatusInternalServerError, oidc.NewError(oidc.ErrCodeServerError, "internal error"))
		return
	}
	if out.Kind != authz.NeedsAuthentication {
		c.dispatch(w, r, out)
		return
	}

	uid, err := out.Method.Authenticate(ctx, creds)
	if err != nil {
		log.Debug("authentication failed", logger.Err(err))
		c.renderLogin(w, req)
		return
	}
	ev := authn.NewEvent(uid, out.Method.ACR(), out.Method.Validity())
	done, err := c.flow.Complete(ctx, req, uid, ev)
	if err != nil {
		log.Error("complete failed", logger.Err(err))
		writeOAuthError(w, http.StatusInternalServerError, oidc.NewError(oidc.ErrCodeServerError, "internal error"))
		return
	}
	c.dispatch(w, r, done)
}

// dispatch renders an outcome: redirect or page for Proceed, login form
// for a suspension, error response otherwise.
func (c *AuthorizeController) dispatch(w http.ResponseWriter, r *http.Request, out *authz.Outcome) {
	ctx := r.Context()
	switch out.Kind {
	case authz.NeedsAuthentication:
		c.renderLogin(w, out.Request)

	case authz.Denied:
		if out.Redirectable && out.RedirectURI != "" {
			resp, err := c.builder.BuildError(out)
			if err == nil {
				c.deliver(w, resp)
				return
			}
		}
		writeOAuthError(w, http.StatusBadRequest, out.Err)

	case authz.Proceed:
		out.BrowserState = c.ensureBrowserState(w, r)
		resp, err := c.builder.Build(ctx, out)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, oidc.NewError(oidc.ErrCodeServerError, "internal error"))
			return
		}
		if sc, err := c.dealer.Create(cookie.SessionCookieName, out.SessionID, "session", c.sessionTTL); err == nil {
			http.SetCookie(w, sc)
		}
		c.deliver(w, resp)
	}
}

func (c *AuthorizeController) deliver(w http.ResponseWriter, resp *authz.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType+"; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.HTML)
		return
	}
	w.Header().Set("Location", resp.Location)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusFound)
}

func (c *AuthorizeController) renderLogin(w http.ResponseWriter, req *oidc.AuthorizationRequest) {
	var hidden []hiddenField
	for k, vs := range req.Values() {
		for _, v := range vs {
			hidden = append(hidden, hiddenField{Name: k, Value: v})
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = loginTmpl.Execute(w, struct {
		Action string
		Hidden []hiddenField
	}{Action: "/authorize/login", Hidden: hidden})
}

// cookieSession recovers the session key bound to the browser, if any.
func (c *AuthorizeController) cookieSession(r *http.Request) string {
	ck, err := r.Cookie(cookie.SessionCookieName)
	if err != nil {
		return ""
	}
	sid, err := c.dealer.Value(ck, "session")
	if err != nil {
		return ""
	}
	return sid
}

// ensureBrowserState returns the opbs cookie value, minting one when the
// browser has none yet.
func (c *AuthorizeController) ensureBrowserState(w http.ResponseWriter, r *http.Request) string {
	if ck, err := r.Cookie(cookie.OPBSCookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	opbs, err := cookie.NewBrowserState()
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookie.OPBSCookieName,
		Value:    opbs,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
	return opbs
}
