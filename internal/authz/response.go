package authz

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"github.com/dropDatabas3/veil/internal/claims"
	"github.com/dropDatabas3/veil/internal/metrics"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/oidc"
	"github.com/dropDatabas3/veil/internal/session"
)

// Response is the transport-ready outcome of a successful authorization.
type Response struct {
	// Location is set for query and fragment delivery.
	Location string
	// HTML is set for form_post delivery.
	HTML        []byte
	ContentType string
	// Fields are the raw response parameters, for tests and logging.
	Fields *oidc.AuthorizationResponse
}

// BuilderDeps wires the response builder.
type BuilderDeps struct {
	Sessions *session.Manager
	Claims   *claims.Resolver
	Issuer   string
	// SessionState computes the check-session value for a response. Nil
	// disables session_state emission.
	SessionState func(clientID, redirectURI, browserState string) string
}

// Builder mints the tokens a response_type asks for and renders them in
// the negotiated response mode.
type Builder struct {
	deps BuilderDeps
}

// NewBuilder creates a response builder.
func NewBuilder(d BuilderDeps) *Builder {
	return &Builder{deps: d}
}

var formPostTmpl = template.Must(template.New("form_post").Parse(
	`<html><head><title>Submit This Form</title></head>` +
		`<body onload="javascript:document.forms[0].submit()">` +
		`<form method="post" action="{{.Action}}">` +
		`{{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}"/>{{end}}` +
		`</form></body></html>`))

// Build produces the response for a Proceed outcome. Response building
// failures after authentication degrade to server_error rather than
// leaking internals.
func (b *Builder) Build(ctx context.Context, out *Outcome) (*Response, error) {
	log := logger.From(ctx).With(logger.Layer("authz"), logger.Op("BuildResponse"))

	mode, errResp := responseMode(out.Request)
	if errResp != nil {
		return b.errorResponse(out, mode, errResp)
	}

	fields, err := b.mint(ctx, out)
	if err != nil {
		log.Error("response build failed", logger.Err(err), logger.SessionID(out.SessionID))
		return b.errorResponse(out, mode, oidc.NewError(oidc.ErrCodeServerError, "could not build response"))
	}

	if out.Request.State != "" {
		fields.Set("state", out.Request.State)
	}
	// Mix-up mitigation: every response names its issuer and audience.
	fields.Set("iss", b.deps.Issuer)
	fields.Set("client_id", out.Client.ID)
	if b.deps.SessionState != nil {
		fields.Set("session_state", b.deps.SessionState(out.Client.ID, out.RedirectURI, out.BrowserState))
	}

	return b.render(out.RedirectURI, mode, fields)
}

// BuildError renders a redirectable error in the request's response mode.
func (b *Builder) BuildError(out *Outcome) (*Response, error) {
	mode, _ := responseMode(out.Request)
	return b.errorResponse(out, mode, out.Err)
}

func (b *Builder) errorResponse(out *Outcome, mode string, e *oidc.ErrorResponse) (*Response, error) {
	if out.Request != nil && out.Request.State != "" {
		e.State = out.Request.State
	}
	fields := oidc.NewAuthorizationResponse()
	for k, vs := range e.Values() {
		for _, v := range vs {
			fields.Set(k, v)
		}
	}
	return b.render(out.RedirectURI, mode, fields)
}

// mint issues the tokens the response_type names, chaining them in the
// fixed order code, access_token, id_token.
func (b *Builder) mint(ctx context.Context, out *Outcome) (*oidc.AuthorizationResponse, error) {
	req := out.Request
	fields := oidc.NewAuthorizationResponse()

	var code, access *session.Token
	var err error

	if req.HasResponseType("code") {
		code, err = b.deps.Sessions.MintToken(ctx, out.SessionID, session.MintSpec{
			TokenType: session.TypeAuthorizationCode,
			Scope:     req.Scope,
		})
		if err != nil {
			return nil, fmt.Errorf("mint code: %w", err)
		}
		metrics.TokensMinted.WithLabelValues(session.TypeAuthorizationCode).Inc()
		fields.Set("code", code.Value)
	}

	if req.HasResponseType("token") {
		spec := session.MintSpec{
			TokenType: session.TypeAccessToken,
			Scope:     req.Scope,
		}
		if code != nil {
			spec.BasedOn = code
		}
		access, err = b.deps.Sessions.MintToken(ctx, out.SessionID, spec)
		if err != nil {
			return nil, fmt.Errorf("mint access token: %w", err)
		}
		metrics.TokensMinted.WithLabelValues(session.TypeAccessToken).Inc()
		fields.Set("access_token", access.Value)
		fields.Set("token_type", "Bearer")
		if !access.ExpiresAt.IsZero() {
			fields.Set("expires_in", strconv.FormatInt(access.UsageRules.ExpiresIn, 10))
		}
		fields.Set("scope", strings.Join(access.Scope, " "))
	}

	if req.HasResponseType("id_token") {
		idClaims, err := b.idTokenClaims(ctx, out, code, access)
		if err != nil {
			return nil, fmt.Errorf("id_token claims: %w", err)
		}
		spec := session.MintSpec{
			TokenType: session.TypeIDToken,
			Claims:    idClaims,
		}
		switch {
		case access != nil:
			spec.BasedOn = access
		case code != nil:
			spec.BasedOn = code
		}
		idTok, err := b.deps.Sessions.MintToken(ctx, out.SessionID, spec)
		if err != nil {
			return nil, fmt.Errorf("mint id_token: %w", err)
		}
		metrics.TokensMinted.WithLabelValues(session.TypeIDToken).Inc()
		fields.Set("id_token", idTok.Value)
	}
	return fields, nil
}

// idTokenClaims assembles the id_token payload: identity plus released
// user claims plus token hashes for the hybrid flows.
func (b *Builder) idTokenClaims(ctx context.Context, out *Outcome, code, access *session.Token) (map[string]any, error) {
	info, err := b.deps.Sessions.GetSessionInfo(ctx, out.SessionID)
	if err != nil {
		return nil, err
	}
	req := out.Request

	payload := map[string]any{
		"sub": info.Grant.Sub,
		"aud": []string{out.Client.ID},
	}
	if req.Nonce != "" {
		payload["nonce"] = req.Nonce
	}
	if ev := info.Grant.AuthnEvent; ev != nil {
		payload["auth_time"] = ev.AuthnTime.Unix()
		if ev.AuthnInfo != "" {
			payload["acr"] = ev.AuthnInfo
		}
	}
	if code != nil {
		payload["c_hash"] = leftHalfHash(code.Value)
	}
	if access != nil {
		payload["at_hash"] = leftHalfHash(access.Value)
	}

	if b.deps.Claims != nil {
		// The first resolution is snapshotted on the grant so later mints
		// and grants exchanged from its tokens release the same claims.
		restriction, ok := info.Grant.Claims[claims.UsageIDToken]
		if !ok {
			restriction = b.deps.Claims.GetClaims(out.Client.ID, req.Scope, req.Claims, claims.UsageIDToken)
			if info.Grant.Claims == nil {
				info.Grant.Claims = map[string]claims.Restriction{}
			}
			info.Grant.Claims[claims.UsageIDToken] = restriction
			if err := b.deps.Sessions.SetGrant(ctx, info.UserID, info.ClientID, info.Grant); err != nil {
				return nil, err
			}
		}
		released, err := b.deps.Claims.GetUserClaims(ctx, info.UserID, restriction)
		if err != nil {
			return nil, err
		}
		for k, v := range released {
			if _, taken := payload[k]; !taken {
				payload[k] = v
			}
		}
	}
	return payload, nil
}

// responseMode resolves the delivery mode for a request: query for
// code-only, fragment for everything else, form_post on request. Asking
// for the mode the response_type forbids, either direction, is an error.
func responseMode(req *oidc.AuthorizationRequest) (string, *oidc.ErrorResponse) {
	if req == nil {
		return "query", nil
	}
	codeOnly := len(req.ResponseType) == 1 && req.ResponseType[0] == "code"
	def := "fragment"
	if codeOnly {
		def = "query"
	}
	switch req.ResponseMode {
	case "":
		return def, nil
	case "form_post":
		return "form_post", nil
	case "query":
		if !codeOnly {
			return def, oidc.NewError(oidc.ErrCodeInvalidRequest, "response_mode query not allowed for this response_type")
		}
		return "query", nil
	case "fragment":
		if codeOnly {
			return def, oidc.NewError(oidc.ErrCodeInvalidRequest, "response_mode fragment not allowed for this response_type")
		}
		return "fragment", nil
	default:
		return def, oidc.NewError(oidc.ErrCodeInvalidRequest, "unsupported response_mode")
	}
}

func (b *Builder) render(redirectURI, mode string, fields *oidc.AuthorizationResponse) (*Response, error) {
	switch mode {
	case "form_post":
		var sb strings.Builder
		err := formPostTmpl.Execute(&sb, struct {
			Action string
			Fields []oidc.ResponseField
		}{Action: redirectURI, Fields: fields.Fields()})
		if err != nil {
			return nil, err
		}
		return &Response{
			HTML:        []byte(sb.String()),
			ContentType: "text/html",
			Fields:      fields,
		}, nil
	case "fragment":
		u, err := url.Parse(redirectURI)
		if err != nil {
			return nil, err
		}
		u.Fragment = ""
		loc := u.String() + "#" + fields.Values().Encode()
		return &Response{Location: loc, Fields: fields}, nil
	default:
		loc, err := JoinQuery(redirectURI, fields.Values())
		if err != nil {
			return nil, err
		}
		return &Response{Location: loc, Fields: fields}, nil
	}
}

// leftHalfHash computes the OIDC token hash: base64url of the left half
// of the value's SHA-256.
func leftHalfHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
