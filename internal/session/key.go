package session

import (
	"errors"
	"strings"
)

// Path components are joined with a delimiter that cannot appear in user
// ids, client ids, or grant ids.
const keyDelimiter = ";;"

// ErrMalformedKey is returned when a session key does not split into
// non-empty path components.
var ErrMalformedKey = errors.New("malformed session key")

// Key joins session path components into a session key. A full key is
// user;;client;;grant; shorter prefixes address the user and client nodes.
func Key(parts ...string) string {
	return strings.Join(parts, keyDelimiter)
}

// Unpack splits a session key back into its path components. Empty
// components are rejected so a truncated key cannot silently address a
// parent node.
func Unpack(key string) ([]string, error) {
	if key == "" {
		return nil, ErrMalformedKey
	}
	parts := strings.Split(key, keyDelimiter)
	if len(parts) > 3 {
		return nil, ErrMalformedKey
	}
	for _, p := range parts {
		if p == "" {
			return nil, ErrMalformedKey
		}
	}
	return parts, nil
}
