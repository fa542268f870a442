// Package cookie issues and reads the provider's browser cookies: the
// session identity cookie and the front-channel browser state (opbs) used
// for check-session.
package cookie

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/veil/internal/security/secretbox"
)

// Default cookie names.
const (
	SessionCookieName = "veil_session"
	OPBSCookieName    = "veil_opbs"
)

// ErrBadCookie is returned for cookies that do not open or carry an
// unexpected type tag.
var ErrBadCookie = errors.New("cookie: invalid value")

// Dealer seals cookie payloads and builds http cookies with consistent
// attributes. Payloads are AEAD sealed as payload|type|timestamp so a
// cookie minted for one purpose cannot be replayed for another.
type Dealer struct {
	box      *secretbox.Box
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// NewDealer builds a dealer over a sealing box.
func NewDealer(box *secretbox.Box) *Dealer {
	return &Dealer{
		box:      box,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Create seals payload under the given type tag into a cookie. A zero ttl
// makes a session cookie (no Max-Age).
func (d *Dealer) Create(name, payload, typ string, ttl time.Duration) (*http.Cookie, error) {
	sealed, err := d.box.Seal(fmt.Sprintf("%s|%s|%d", payload, typ, time.Now().Unix()))
	if err != nil {
		return nil, err
	}
	c := d.base(name)
	c.Value = base64.RawURLEncoding.EncodeToString([]byte(sealed))
	if ttl > 0 {
		c.MaxAge = int(ttl.Seconds())
		c.Expires = time.Now().Add(ttl)
	}
	return c, nil
}

// Value opens a cookie and returns its payload, rejecting type mismatches.
func (d *Dealer) Value(c *http.Cookie, typ string) (string, error) {
	if c == nil || c.Value == "" {
		return "", ErrBadCookie
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return "", ErrBadCookie
	}
	opened, err := d.box.Open(string(raw))
	if err != nil {
		return "", ErrBadCookie
	}
	parts := strings.Split(opened, "|")
	if len(parts) != 3 || parts[1] != typ {
		return "", ErrBadCookie
	}
	if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
		return "", ErrBadCookie
	}
	return parts[0], nil
}

// Clear returns a zero-TTL cookie that removes name from the browser.
func (d *Dealer) Clear(name string) *http.Cookie {
	c := d.base(name)
	c.Value = ""
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (d *Dealer) base(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Domain:   d.Domain,
		Path:     d.Path,
		Secure:   d.Secure,
		HttpOnly: true,
		SameSite: d.SameSite,
	}
}

// NewBrowserState returns a fresh opbs value for the front-channel state
// cookie. It is random, not sealed, since its only job is to change when
// the login state changes.
func NewBrowserState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ComputeSessionState derives the RP-visible session_state value from the
// browser state, a salt, the client id, and the redirect URI's origin.
func ComputeSessionState(opbs, salt, clientID, redirectURI string) string {
	origin := ""
	if u, err := url.Parse(redirectURI); err == nil {
		origin = u.Scheme + "://" + u.Host
	}
	sum := sha256.Sum256([]byte(opbs + " " + salt + " " + clientID + " " + origin))
	return hex.EncodeToString(sum[:]) + "." + salt
}
