package authn

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers every failed verification. Callers must not
// learn whether the account exists.
var ErrInvalidCredentials = errors.New("authn: invalid credentials")

// Credentials is what an authentication method consumes. Methods read the
// fields they understand and ignore the rest.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Method verifies an end user and reports the assurance class it provides.
type Method interface {
	// ACR is the authentication context class reference this method
	// satisfies.
	ACR() string
	// Validity bounds how long an authentication by this method is
	// honored before the user must log in again.
	Validity() time.Duration
	// Authenticate verifies credentials and returns the account id.
	Authenticate(ctx context.Context, c Credentials) (string, error)
}

// PasswordStore resolves a username to its account id and password hash.
type PasswordStore interface {
	LookupPassword(ctx context.Context, username string) (uid string, hash []byte, err error)
}

// PasswordMethod authenticates with a username and bcrypt-hashed password.
type PasswordMethod struct {
	Store    PasswordStore
	ACRValue string
	Lifetime time.Duration
}

const ACRPassword = "urn:veil:authn:password"

// NewPasswordMethod wires a password method over a credential store.
func NewPasswordMethod(store PasswordStore) *PasswordMethod {
	return &PasswordMethod{Store: store, ACRValue: ACRPassword, Lifetime: time.Hour}
}

func (p *PasswordMethod) ACR() string             { return p.ACRValue }
func (p *PasswordMethod) Validity() time.Duration { return p.Lifetime }

func (p *PasswordMethod) Authenticate(ctx context.Context, c Credentials) (string, error) {
	if c.Username == "" || c.Password == "" {
		return "", ErrInvalidCredentials
	}
	uid, hash, err := p.Store.LookupPassword(ctx, c.Username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(c.Password)) != nil {
		return "", ErrInvalidCredentials
	}
	return uid, nil
}

// HashPassword produces the bcrypt hash stored for an account. A cost of
// zero uses the bcrypt default.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
