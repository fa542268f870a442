// Package user holds the static user directory backing authentication
// and claims release. It is the development-grade account source; a
// deployment with a real IdM replaces it behind the same interfaces.
package user

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrUnknownUser is returned when no account matches the lookup.
var ErrUnknownUser = errors.New("user: unknown user")

// User is one account in the directory.
type User struct {
	ID       string `yaml:"id" json:"id"`
	Username string `yaml:"username" json:"username"`
	// PasswordHash is the bcrypt hash of the account password.
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
	// Claims are the raw claim values held about the user.
	Claims map[string]any `yaml:"claims" json:"claims"`
}

// Directory is an in-memory account directory keyed by id and username.
type Directory struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]*User
}

// NewDirectory indexes the given users. Usernames are matched
// case-insensitively.
func NewDirectory(users []*User) *Directory {
	d := &Directory{
		byID:   make(map[string]*User, len(users)),
		byName: make(map[string]*User, len(users)),
	}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces an account.
func (d *Directory) Put(u *User) {
	if u == nil || u.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[u.ID] = u
	if u.Username != "" {
		d.byName[strings.ToLower(u.Username)] = u
	}
}

// Get returns the account with the given id.
func (d *Directory) Get(id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, ErrUnknownUser
	}
	return u, nil
}

// LookupPassword resolves a username to its account id and password hash.
func (d *Directory) LookupPassword(_ context.Context, username string) (string, []byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byName[strings.ToLower(username)]
	if !ok {
		return "", nil, ErrUnknownUser
	}
	return u.ID, []byte(u.PasswordHash), nil
}

// Claims returns the claim values held about the user.
func (d *Directory) Claims(_ context.Context, userID string) (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	out := make(map[string]any, len(u.Claims))
	for k, v := range u.Claims {
		out[k] = v
	}
	return out, nil
}
