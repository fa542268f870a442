package oidc

import "net/url"

// Standard OAuth2 / OIDC error codes surfaced to clients.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeServerError             = "server_error"
	ErrCodeLoginRequired           = "login_required"
	ErrCodeInvalidGrant            = "invalid_grant"
)

// ErrorResponse is the OAuth2 error payload returned to the client,
// either as redirect parameters or as a JSON body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	State            string `json:"state,omitempty"`
}

// NewError builds an ErrorResponse.
func NewError(code, description string) *ErrorResponse {
	return &ErrorResponse{Error: code, ErrorDescription: description}
}

// Values renders the error as redirect parameters.
func (e *ErrorResponse) Values() url.Values {
	v := url.Values{}
	v.Set("error", e.Error)
	if e.ErrorDescription != "" {
		v.Set("error_description", e.ErrorDescription)
	}
	if e.State != "" {
		v.Set("state", e.State)
	}
	return v
}
