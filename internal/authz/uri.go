package authz

import (
	"errors"
	"net/url"

	"github.com/dropDatabas3/veil/internal/client"
)

var (
	// ErrRedirectURIFragment rejects redirect URIs carrying a fragment.
	ErrRedirectURIFragment = errors.New("authz: redirect_uri must not contain a fragment")
	// ErrRedirectURIMismatch is returned when no registered URI matches.
	ErrRedirectURIMismatch = errors.New("authz: redirect_uri not registered")
	// ErrRedirectURIAmbiguous is returned when the request omitted the URI
	// and more than one is registered.
	ErrRedirectURIAmbiguous = errors.New("authz: redirect_uri required")
)

// VerifyURI checks a request redirect_uri against a client's registered
// list. Base match is exact on scheme, host, and path. Query parameters
// are checked both ways: everything registered must be in the request with
// the same values, and the request must carry nothing unregistered.
func VerifyURI(rawURI string, c *client.Client) error {
	return VerifyAgainst(rawURI, c.RedirectURIs)
}

// VerifyAgainst runs the redirect_uri matching algorithm over an explicit
// registered list. Post-logout redirect URIs go through the same rules.
func VerifyAgainst(rawURI string, registered []string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return ErrRedirectURIMismatch
	}
	if u.Fragment != "" {
		return ErrRedirectURIFragment
	}
	reqQuery := u.Query()
	reqBase := stripQuery(u)

	for _, reg := range registered {
		r, err := url.Parse(reg)
		if err != nil {
			continue
		}
		regQuery := r.Query()
		if stripQuery(r) != reqBase {
			continue
		}
		if queriesMatch(reqQuery, regQuery) {
			return nil
		}
	}
	return ErrRedirectURIMismatch
}

// GetURI resolves the redirect URI to use for a request. An explicit value
// is verified; an absent one falls back to the single registered URI.
func GetURI(requested string, c *client.Client) (string, error) {
	if requested != "" {
		if err := VerifyURI(requested, c); err != nil {
			return "", err
		}
		return requested, nil
	}
	if len(c.RedirectURIs) == 1 {
		return c.RedirectURIs[0], nil
	}
	return "", ErrRedirectURIAmbiguous
}

// JoinQuery merges parameters into a URI, keeping any query it already
// carries. New values for an existing key replace it.
func JoinQuery(rawURI string, params url.Values) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func stripQuery(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}

// queriesMatch requires every registered key/value in the request and
// every request key/value among the registered ones.
func queriesMatch(req, reg url.Values) bool {
	for k, vs := range reg {
		for _, v := range vs {
			if !contains(req[k], v) {
				return false
			}
		}
	}
	for k, vs := range req {
		for _, v := range vs {
			if !contains(reg[k], v) {
				return false
			}
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
