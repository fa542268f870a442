package session

import (
	"github.com/dropDatabas3/veil/internal/authn"
)

// UserSessionInfo is the root node of a user's session tree. Its
// subordinates are the client ids the user has sessions with.
type UserSessionInfo struct {
	UserID      string         `json:"user_id"`
	Subordinate []string       `json:"subordinate,omitempty"`
	Revoked     bool           `json:"revoked"`
	AuthnEvent  *authn.Event   `json:"authentication_event,omitempty"`
	ExtraArgs   map[string]any `json:"extra_args,omitempty"`
}

// ClientSessionInfo groups the grants a user holds with one client. Its
// subordinates are grant ids.
type ClientSessionInfo struct {
	ClientID    string   `json:"client_id"`
	Subordinate []string `json:"subordinate,omitempty"`
	Revoked     bool     `json:"revoked"`
	Sub         string   `json:"sub,omitempty"`
	// LastIDToken is the most recently issued id_token value, kept for
	// id_token_hint comparison during logout.
	LastIDToken string `json:"last_id_token,omitempty"`
}

// AddSubordinate appends an id if not already present.
func (u *UserSessionInfo) AddSubordinate(id string) {
	u.Subordinate = appendUnique(u.Subordinate, id)
}

// RemoveSubordinate drops an id from the subordinate list.
func (u *UserSessionInfo) RemoveSubordinate(id string) {
	u.Subordinate = removeString(u.Subordinate, id)
}

func (c *ClientSessionInfo) AddSubordinate(id string) {
	c.Subordinate = appendUnique(c.Subordinate, id)
}

func (c *ClientSessionInfo) RemoveSubordinate(id string) {
	c.Subordinate = removeString(c.Subordinate, id)
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func removeString(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
