package controllers

import (
	"crypto/subtle"
	"net/http"

	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/metrics"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/par"
)

// PARController handles POST /par: pushed authorization requests.
type PARController struct {
	store   *par.Store
	clients client.Registry
}

// NewPARController wires the controller.
func NewPARController(store *par.Store, clients client.Registry) *PARController {
	return &PARController{store: store, clients: clients}
}

type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// Push accepts a pushed request after authenticating the client.
func (c *PARController) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("PARController.Push"))

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed request"))
		return
	}
	if r.PostForm.Get("request_uri") != "" {
		// A pushed request must not itself be by reference.
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "request_uri not allowed here"))
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	reg, err := c.clients.Get(clientID)
	if err != nil || subtle.ConstantTimeCompare([]byte(reg.Secret), []byte(secret)) != 1 {
		writeOAuthError(w, http.StatusUnauthorized, oidc.NewError(oidc.ErrCodeUnauthorizedClient, "client authentication failed"))
		return
	}
	if r.PostForm.Get("client_id") != "" && r.PostForm.Get("client_id") != clientID {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, "client_id mismatch"))
		return
	}

	params := r.PostForm
	params.Del("client_secret")
	params.Set("client_id", clientID)
	if _, err := oidc.ParseAuthorizationRequest(params); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oidc.NewError(oidc.ErrCodeInvalidRequest, err.Error()))
		return
	}

	ref, expiresIn := c.store.Push(params)
	metrics.PushedRequests.Inc()
	log.Debug("request pushed", logger.ClientID(clientID))
	writeJSON(w, http.StatusCreated, parResponse{RequestURI: ref, ExpiresIn: expiresIn})
}
