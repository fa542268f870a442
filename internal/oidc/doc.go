// Package oidc contains the OAuth2/OIDC wire message types used by the
// protocol core: authorization requests and responses, end-session requests,
// the claims-request parameter and the standard OAuth2 error vocabulary.
//
// The types here are deliberately transport-agnostic: parsing from and
// encoding to url.Values is provided, but nothing in this package touches
// HTTP, cookies or storage.
package oidc
