package authz

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/metrics"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/par"
	"github.com/dropDatabas3/veil/internal/session"
)

// OutcomeKind tags the result of running the authorization flow.
type OutcomeKind int

const (
	// Proceed means an authenticated session exists and tokens can be minted.
	Proceed OutcomeKind = iota + 1
	// NeedsAuthentication suspends the flow; the transport must run the
	// selected method and call Complete with its result.
	NeedsAuthentication
	// Denied terminates the flow with an OAuth error response.
	Denied
)

func (k OutcomeKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case NeedsAuthentication:
		return "needs_authentication"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Outcome is what one flow invocation hands back to the transport.
type Outcome struct {
	Kind OutcomeKind

	// Set for every non-denied outcome.
	Client      *client.Client
	Request     *oidc.AuthorizationRequest
	RedirectURI string

	// Proceed.
	SessionID string
	// BrowserState is the front-channel state cookie value, set by the
	// transport before response building when check-session is enabled.
	BrowserState string

	// NeedsAuthentication: the method to run and the request to resume with.
	Method authn.Method

	// Denied. Redirectable reports whether the error may be delivered to
	// the redirect URI; when false the transport must render it directly.
	Err          *oidc.ErrorResponse
	Redirectable bool
}

// Deps wires the flow's collaborators.
type Deps struct {
	Sessions *session.Manager
	Clients  client.Registry
	Broker   *authn.Broker
	Requests *par.Store

	// Issuer is this provider's issuer identifier.
	Issuer string
	// AllowedScopes is the provider-wide scope allow-list. Empty allows all.
	AllowedScopes []string
	// ReAuthenticate is the policy hook forcing a fresh login even when the
	// existing session would satisfy the request. Nil means never.
	ReAuthenticate func(*session.Info) bool

	// RequestObjectAlgs is the allow-list for request object signatures
	// fetched by reference. Empty defaults to HS256.
	RequestObjectAlgs []string
	// HTTPClient fetches remote request objects. Nil gets a bounded default.
	HTTPClient *http.Client
}

// Flow runs the authorization request state machine: validate, determine
// authentication state, bind or create a grant.
type Flow struct {
	deps Deps
}

// NewFlow builds the flow engine.
func NewFlow(d Deps) *Flow {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Flow{deps: d}
}

// Authorize processes an inbound authorization request. knownSessionID is
// the session key recovered from the browser cookie, empty when absent.
func (f *Flow) Authorize(ctx context.Context, req *oidc.AuthorizationRequest, knownSessionID string) (*Outcome, error) {
	log := logger.From(ctx).With(logger.Layer("authz"), logger.Op("Authorize"))

	req, out := f.resolvePushed(req)
	if out != nil {
		return f.done(log, out), nil
	}

	c, redirectURI, out := f.validate(req)
	if out != nil {
		return f.done(log, out), nil
	}

	methods := f.selectMethods(req)
	if len(methods) == 0 {
		return f.done(log, &Outcome{
			Kind:         Denied,
			Client:       c,
			Request:      req,
			RedirectURI:  redirectURI,
			Redirectable: true,
			Err:          oidc.NewError(oidc.ErrCodeAccessDenied, "no authentication method for requested acr"),
		}), nil
	}

	info, reason := f.usableIdentity(ctx, req, knownSessionID)
	if info == nil {
		if req.HasPrompt("none") {
			return f.done(log, &Outcome{
				Kind:         Denied,
				Client:       c,
				Request:      req,
				RedirectURI:  redirectURI,
				Redirectable: true,
				Err:          oidc.NewError(oidc.ErrCodeLoginRequired, reason),
			}), nil
		}
		return f.done(log, &Outcome{
			Kind:        NeedsAuthentication,
			Client:      c,
			Request:     req,
			RedirectURI: redirectURI,
			Method:      methods[0],
		}), nil
	}

	// Reuse the grant when the request is the very same one; anything else
	// gets a fresh grant bound to the existing authentication.
	if info.Grant.IsActive() && info.Grant.AuthReq != nil && info.Grant.AuthReq.Equal(req) {
		return f.done(log, &Outcome{
			Kind:        Proceed,
			Client:      c,
			Request:     req,
			RedirectURI: redirectURI,
			SessionID:   info.SessionID(),
		}), nil
	}
	return f.bindSession(ctx, log, c, req, redirectURI, info.UserID, info.UserSession.AuthnEvent)
}

// Complete resumes a suspended flow with the result of an external
// authentication round trip.
func (f *Flow) Complete(ctx context.Context, req *oidc.AuthorizationRequest, userID string, ev *authn.Event) (*Outcome, error) {
	log := logger.From(ctx).With(logger.Layer("authz"), logger.Op("Complete"))

	c, redirectURI, out := f.validate(req)
	if out != nil {
		return f.done(log, out), nil
	}
	if userID == "" || !ev.Valid() {
		return f.done(log, &Outcome{
			Kind:         Denied,
			Client:       c,
			Request:      req,
			RedirectURI:  redirectURI,
			Redirectable: true,
			Err:          oidc.NewError(oidc.ErrCodeAccessDenied, "authentication failed"),
		}), nil
	}
	return f.bindSession(ctx, log, c, req, redirectURI, userID, ev)
}

func (f *Flow) bindSession(ctx context.Context, log *zap.Logger, c *client.Client, req *oidc.AuthorizationRequest, redirectURI, userID string, ev *authn.Event) (*Outcome, error) {
	sid, err := f.deps.Sessions.CreateSession(ctx, ev, req, userID, c.ID, c.SectorIdentifier(), c.SubjectType, c.TokenUsageRules)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		Kind:        Proceed,
		Client:      c,
		Request:     req,
		RedirectURI: redirectURI,
		SessionID:   sid,
	}
	metrics.AuthorizationOutcomes.WithLabelValues(out.Kind.String()).Inc()
	log.Debug("session bound", logger.SessionID(sid), logger.ClientID(c.ID))
	return out, nil
}

// resolvePushed swaps a request_uri reference for the request it names:
// urn references come from the pushed-request store, anything else is a
// remote request object fetched over HTTP.
func (f *Flow) resolvePushed(req *oidc.AuthorizationRequest) (*oidc.AuthorizationRequest, *Outcome) {
	switch {
	case req.RequestURI == "":
		return req, nil
	case strings.HasPrefix(req.RequestURI, "urn:"):
		if f.deps.Requests == nil {
			return nil, &Outcome{
				Kind: Denied,
				Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "request_uri not supported"),
			}
		}
		params, err := f.deps.Requests.Resolve(req.RequestURI)
		if err != nil {
			return nil, &Outcome{
				Kind: Denied,
				Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "unknown or expired request_uri"),
			}
		}
		resolved, err := oidc.ParseAuthorizationRequest(params)
		if err != nil {
			return nil, &Outcome{
				Kind: Denied,
				Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed pushed request"),
			}
		}
		return resolved, nil
	default:
		return f.fetchRequestObject(req)
	}
}

// fetchRequestObject retrieves a signed request object by reference and
// merges its claims over the inbound parameters. The signature algorithm
// must be on the allow-list; the object is verified with the client secret.
func (f *Flow) fetchRequestObject(req *oidc.AuthorizationRequest) (*oidc.AuthorizationRequest, *Outcome) {
	c, err := f.deps.Clients.Get(req.ClientID)
	if err != nil {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeUnauthorizedClient, "unknown client"),
		}
	}

	resp, err := f.deps.HTTPClient.Get(req.RequestURI)
	if err != nil {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeServerError, "could not fetch request object"),
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeServerError, "could not fetch request object"),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeServerError, "could not fetch request object"),
		}
	}

	algs := f.deps.RequestObjectAlgs
	if len(algs) == 0 {
		algs = []string{jwtv5.SigningMethodHS256.Alg()}
	}
	parsed, err := jwtv5.Parse(strings.TrimSpace(string(body)),
		func(*jwtv5.Token) (any, error) { return []byte(c.Secret), nil },
		jwtv5.WithValidMethods(algs),
	)
	if err != nil {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "invalid request object"),
		}
	}
	mc, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "invalid request object"),
		}
	}
	if cid, ok := mc["client_id"].(string); ok && cid != req.ClientID {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "request object client_id mismatch"),
		}
	}

	params := req.Values()
	params.Del("request_uri")
	for k, v := range mc {
		switch k {
		case "iss", "aud", "iat", "exp", "nbf", "jti":
			continue
		}
		switch val := v.(type) {
		case string:
			params.Set(k, val)
		case bool:
			params.Set(k, strconv.FormatBool(val))
		case float64:
			params.Set(k, strconv.FormatInt(int64(val), 10))
		default:
			// Structured values, notably the claims parameter, travel
			// as their JSON encoding.
			if b, err := json.Marshal(v); err == nil {
				params.Set(k, string(b))
			}
		}
	}
	resolved, err := oidc.ParseAuthorizationRequest(params)
	if err != nil {
		return nil, &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "malformed request object"),
		}
	}
	return resolved, nil
}

// validate runs the client, response_type, scope, and redirect URI checks.
// A nil outcome means the request is acceptable.
func (f *Flow) validate(req *oidc.AuthorizationRequest) (*client.Client, string, *Outcome) {
	if req.ClientID == "" {
		return nil, "", &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, "client_id required"),
		}
	}
	c, err := f.deps.Clients.Get(req.ClientID)
	if err != nil {
		return nil, "", &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeUnauthorizedClient, "unknown client"),
		}
	}

	// The redirect URI is resolved before the remaining checks so their
	// errors can be delivered to the client.
	redirectURI, err := GetURI(req.RedirectURI, c)
	if err != nil {
		return nil, "", &Outcome{
			Kind: Denied,
			Err:  oidc.NewError(oidc.ErrCodeInvalidRequest, err.Error()),
		}
	}

	if !c.SupportsResponseType(strings.Join(req.ResponseType, " ")) {
		return nil, "", &Outcome{
			Kind:         Denied,
			Client:       c,
			Request:      req,
			RedirectURI:  redirectURI,
			Redirectable: true,
			Err:          oidc.NewError(oidc.ErrCodeUnsupportedResponseType, "response_type not registered for client"),
		}
	}
	if bad := f.deniedScope(req.Scope, c); bad != "" {
		return nil, "", &Outcome{
			Kind:         Denied,
			Client:       c,
			Request:      req,
			RedirectURI:  redirectURI,
			Redirectable: true,
			Err:          oidc.NewError(oidc.ErrCodeInvalidScope, "scope not allowed: "+bad),
		}
	}
	return c, redirectURI, nil
}

// deniedScope returns the first requested scope outside the allow-lists.
func (f *Flow) deniedScope(scopes []string, c *client.Client) string {
	allowed := func(s string, list []string) bool {
		if len(list) == 0 {
			return true
		}
		for _, v := range list {
			if v == s {
				return true
			}
		}
		return false
	}
	for _, s := range scopes {
		if !allowed(s, f.deps.AllowedScopes) || !allowed(s, c.AllowedScopes) {
			return s
		}
	}
	return ""
}

// selectMethods resolves the authentication methods a request may use.
// An explicit authn_method parameter names one method directly; an
// unknown name yields no candidates rather than a silent fallback.
// Otherwise the broker picks by the acr preferences, and with no
// preference at all every registered method is a candidate.
func (f *Flow) selectMethods(req *oidc.AuthorizationRequest) []authn.Method {
	if id := req.Raw.Get("authn_method"); id != "" {
		if m, ok := f.deps.Broker.Get(id); ok {
			return []authn.Method{m}
		}
		return nil
	}
	return f.deps.Broker.Pick(f.requestedACRs(req))
}

// requestedACRs collects acr preferences from acr_values and the claims
// parameter's id_token acr entry.
func (f *Flow) requestedACRs(req *oidc.AuthorizationRequest) []string {
	acrs := append([]string(nil), req.ACRValues...)
	if req.Claims != nil {
		acrs = append(acrs, req.Claims.ACRValues()...)
	}
	return acrs
}

// usableIdentity decides whether the cookie-borne session satisfies the
// request or a fresh authentication is needed. A nil return means
// re-authentication, with the reason for prompt=none error reporting.
func (f *Flow) usableIdentity(ctx context.Context, req *oidc.AuthorizationRequest, knownSessionID string) (*session.Info, string) {
	if knownSessionID == "" {
		return nil, "no active session"
	}
	info, err := f.deps.Sessions.GetSessionInfo(ctx, knownSessionID)
	if err != nil {
		if errors.Is(err, session.ErrRevoked) {
			return nil, "session revoked"
		}
		return nil, "session not found"
	}
	ev := info.UserSession.AuthnEvent
	if !ev.Valid() {
		return nil, "authentication expired"
	}
	if req.HasPrompt("login") {
		return nil, "prompt=login"
	}
	// max_age=0, including the one forced by upm_answer, always
	// re-authenticates.
	if maxAge, ok := req.EffectiveMaxAge(); ok && (maxAge == 0 || ev.Age() > maxAge) {
		return nil, "max_age exceeded"
	}
	if req.LoginHint != "" && req.LoginHint != info.UserID {
		return nil, "different user requested"
	}
	if req.ClientID != info.ClientID {
		return nil, "session bound to another client"
	}
	if !info.Grant.IsActive() {
		return nil, "grant no longer active"
	}
	if f.deps.ReAuthenticate != nil && f.deps.ReAuthenticate(info) {
		return nil, "re-authentication required by policy"
	}
	return info, ""
}

func (f *Flow) done(log *zap.Logger, out *Outcome) *Outcome {
	metrics.AuthorizationOutcomes.WithLabelValues(out.Kind.String()).Inc()
	if out.Kind == Denied {
		log.Debug("authorization denied", logger.String("error", out.Err.Error))
	}
	return out
}
