package controllers

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/cookie"
	"github.com/dropDatabas3/veil/internal/logout"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/oidc"
)

// EndSessionController handles the RP-initiated logout endpoint and its
// confirmation round trip.
type EndSessionController struct {
	coord  *logout.Coordinator
	dealer *cookie.Dealer
}

// NewEndSessionController wires the controller.
func NewEndSessionController(coord *logout.Coordinator, dealer *cookie.Dealer) *EndSessionController {
	return &EndSessionController{coord: coord, dealer: dealer}
}

var confirmTmpl = template.Must(template.New("confirm").Parse(
	`<html><head><title>Sign out</title></head><body>` +
		`<p>Do you want to sign out?</p>` +
		`<form method="post" action="/end_session/confirm">` +
		`<input type="hidden" name="confirmation" value="{{.Confirmation}}"/>` +
		`<button type="submit">Sign out</button>` +
		`</form></body></html>`))

var iframesTmpl = template.Must(template.New("iframes").Parse(
	`<html><head><title>Signed out</title></head><body>` +
		`{{range .Iframes}}{{.}}{{end}}` +
		`{{if .RedirectURI}}<a href="{{.RedirectURI}}">Continue</a>{{end}}` +
		`</body></html>`))

// EndSession handles GET/POST /end_session: validates the request and
// renders the confirmation page. No logout happens yet.
func (c *EndSessionController) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("EndSessionController.EndSession"))

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed request"))
		return
	}
	req := oidc.ParseEndSessionRequest(r.Form)

	confirmation, err := c.coord.ValidateEndSession(ctx, req, c.cookieSession(r))
	if err != nil {
		log.Debug("end_session rejected", logger.Err(err))
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "invalid end_session request"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = confirmTmpl.Execute(w, struct{ Confirmation string }{Confirmation: confirmation})
}

// Confirm handles POST /end_session/confirm: the verified logout itself.
func (c *EndSessionController) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("EndSessionController.Confirm"))

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed request"))
		return
	}
	conf, err := c.coord.VerifyConfirmation(r.PostFormValue("confirmation"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "invalid confirmation"))
		return
	}

	res, err := c.coord.LogoutAllClients(ctx, conf.SessionID)
	if err != nil {
		log.Error("logout failed", logger.Err(err))
		writeOAuthError(w, http.StatusInternalServerError, oidc.NewError(oidc.ErrCodeServerError, "internal error"))
		return
	}
	iframes := c.coord.DoVerifiedLogout(ctx, res)

	// Tear down the browser's session state.
	http.SetCookie(w, c.dealer.Clear(cookie.SessionCookieName))
	http.SetCookie(w, c.dealer.Clear(cookie.OPBSCookieName))

	redirectURI := conf.RedirectURI
	if redirectURI != "" && conf.State != "" {
		if joined, err := appendState(redirectURI, conf.State); err == nil {
			redirectURI = joined
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = iframesTmpl.Execute(w, struct {
		Iframes     []template.HTML
		RedirectURI string
	}{Iframes: asHTML(iframes), RedirectURI: redirectURI})
}

func (c *EndSessionController) cookieSession(r *http.Request) string {
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

func appendState(rawURI, state string) (string, error) {
	return authz.JoinQuery(rawURI, url.Values{"state": {state}})
}

func asHTML(iframes []string) []template.HTML {
	out := make([]template.HTML, len(iframes))
	for i, s := range iframes {
		out[i] = template.HTML(s)
	}
	return out
}
