package oidc

import "net/url"

// AuthorizationResponse holds the fields of a successful authorization
// response. Order of insertion is not significant; encoding sorts keys.
type AuthorizationResponse struct {
	fields map[string]string
	order  []string
}

// NewAuthorizationResponse creates an empty response.
func NewAuthorizationResponse() *AuthorizationResponse {
	return &AuthorizationResponse{fields: map[string]string{}}
}

// Set adds or replaces a response field. Empty values are skipped so that
// optional parameters (state, scope) can be set unconditionally.
func (a *AuthorizationResponse) Set(key, value string) {
	if value == "" {
		return
	}
	if _, ok := a.fields[key]; !ok {
		a.order = append(a.order, key)
	}
	a.fields[key] = value
}

// Get returns a field value, or "" when absent.
func (a *AuthorizationResponse) Get(key string) string {
	return a.fields[key]
}

// Fields returns the response fields in insertion order as key/value pairs.
func (a *AuthorizationResponse) Fields() []ResponseField {
	out := make([]ResponseField, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, ResponseField{Name: k, Value: a.fields[k]})
	}
	return out
}

// Values encodes the response as url.Values.
func (a *AuthorizationResponse) Values() url.Values {
	v := url.Values{}
	for k, val := range a.fields {
		v.Set(k, val)
	}
	return v
}

// ResponseField is one name/value pair of an authorization response.
type ResponseField struct {
	Name  string
	Value string
}

// EndSessionRequest is the parsed RP-initiated logout request.
type EndSessionRequest struct {
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
	ClientID              string
}

// ParseEndSessionRequest decodes an end-session request from its
// url-encoded form.
func ParseEndSessionRequest(values url.Values) *EndSessionRequest {
	return &EndSessionRequest{
		IDTokenHint:           values.Get("id_token_hint"),
		PostLogoutRedirectURI: values.Get("post_logout_redirect_uri"),
		State:                 values.Get("state"),
		ClientID:              values.Get("client_id"),
	}
}
