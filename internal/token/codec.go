// Package token implements the pluggable token codec: turning a session
// identifier plus metadata into an opaque credential value and recovering
// the metadata from a value without consulting the session store.
package token

import (
	"errors"
	"time"
)

// Type tags carried inside encoded token values. Single letters keep the
// payload small and match nothing a client could guess from the outside.
const (
	TagCode    = "A"
	TagAccess  = "T"
	TagRefresh = "R"
	TagID      = "I"
)

var (
	// ErrUnknownToken is returned when a value cannot be decoded or does
	// not correspond to any issued token.
	ErrUnknownToken = errors.New("unknown token")

	// ErrTokenExpired is returned when a value decodes fine but its
	// embedded expiry has passed.
	ErrTokenExpired = errors.New("token expired")
)

// Info is the metadata recovered from a token value.
type Info struct {
	SessionID string
	Tag       string
	ExpiresAt time.Time
	Claims    map[string]any
}

// Codec encodes and decodes token values. Implementations must embed at
// least the session id and type tag so reverse lookup works store-free.
type Codec interface {
	Encode(sessionID, tag string, claims map[string]any) (string, error)
	Decode(value string) (*Info, error)
}
