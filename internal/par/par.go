// Package par stores pushed authorization requests under one-time
// urn:uuid references until the authorization flow picks them up.
package par

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

const uriPrefix = "urn:uuid:"

// DefaultTTL is how long a pushed request stays resolvable.
const DefaultTTL = 90 * time.Second

// ErrUnknownRequestURI is returned when a reference does not resolve,
// including the second resolution attempt of a consumed one.
var ErrUnknownRequestURI = errors.New("par: unknown or expired request_uri")

// Store keeps pushed requests with a bounded lifetime. Resolution is
// destructive so a reference can be used exactly once.
type Store struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewStore creates a store with the given request lifetime.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache: gocache.New(ttl, ttl),
		ttl:   ttl,
	}
}

// Push stores raw request parameters and returns the reference plus its
// remaining lifetime in seconds.
func (s *Store) Push(params url.Values) (requestURI string, expiresIn int64) {
	ref := uriPrefix + uuid.NewString()
	s.cache.Set(ref, params.Encode(), s.ttl)
	return ref, int64(s.ttl.Seconds())
}

// Resolve consumes a reference. A second call for the same reference
// fails with ErrUnknownRequestURI.
func (s *Store) Resolve(requestURI string) (url.Values, error) {
	if !strings.HasPrefix(requestURI, uriPrefix) {
		return nil, ErrUnknownRequestURI
	}
	raw, ok := s.cache.Get(requestURI)
	if !ok {
		return nil, ErrUnknownRequestURI
	}
	s.cache.Delete(requestURI)

	encoded, _ := raw.(string)
	params, err := url.ParseQuery(encoded)
	if err != nil {
		return nil, ErrUnknownRequestURI
	}
	return params, nil
}
