package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
)

// Authenticator checks operator credentials and issues tokens.
type Authenticator struct {
	username     string
	passwordHash string
	issuer       *TokenIssuer

	// dummyHash is verified for unknown usernames so a wrong username
	// takes as long as a wrong password.
	dummyOnce sync.Once
	dummyHash string
}

// NewAuthenticator creates an authenticator for the configured operator.
func NewAuthenticator(op config.OperatorConfig, issuer *TokenIssuer) *Authenticator {
	return &Authenticator{
		username:     op.Username,
		passwordHash: op.PasswordHash,
		issuer:       issuer,
	}
}

// Login verifies the credentials and returns a fresh access token.
func (a *Authenticator) Login(username, password string) (Token, error) {
	if a.username == "" || a.passwordHash == "" {
		return Token{}, ErrNotConfigured
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	hash := a.passwordHash
	if !userOK {
		hash = a.dummy()
	}

	match, err := VerifyPassword(password, hash)
	if err != nil {
		return Token{}, fmt.Errorf("verifying operator password: %w", err)
	}
	if !userOK || !match {
		return Token{}, ErrInvalidCredentials
	}
	return a.issuer.Issue(a.username, RoleOperator)
}

// Verify validates an access token.
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	return a.issuer.Parse(raw)
}

func (a *Authenticator) dummy() string {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = HashPassword("routerwatch-timing-guard") //nolint:errcheck // rand failure leaves an invalid hash, which still fails
	})
	return a.dummyHash
}
