package authn

import "time"

// Event records a completed end-user authentication. It is attached to the
// user session and consulted whenever a request's max_age or acr_values
// constraints must be checked against the existing login.
type Event struct {
	UID            string    `json:"uid"`
	AuthnInfo      string    `json:"authn_info,omitempty"`
	AuthnTime      time.Time `json:"authn_time"`
	ValidUntil     time.Time `json:"valid_until"`
	SubjectMethods []string  `json:"sub_methods,omitempty"`
}

// NewEvent creates an event stamped now with the given validity window.
func NewEvent(uid, authnInfo string, validity time.Duration) *Event {
	now := time.Now().UTC()
	return &Event{
		UID:        uid,
		AuthnInfo:  authnInfo,
		AuthnTime:  now,
		ValidUntil: now.Add(validity),
	}
}

// Valid reports whether the event is still within its validity window.
func (e *Event) Valid() bool {
	if e == nil {
		return false
	}
	return time.Now().UTC().Before(e.ValidUntil)
}

// Expired reports the inverse of Valid for callers that read better that way.
func (e *Event) Expired() bool { return !e.Valid() }

// Age returns how long ago the authentication happened, in whole seconds.
func (e *Event) Age() int64 {
	return int64(time.Since(e.AuthnTime).Seconds())
}
