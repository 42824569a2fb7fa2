// Package smtp implements the capture server's SMTP engine: connection
// acceptor, per-connection session state machine, command set and AUTH.
package smtp

import (
	"crypto/subtle"
	"errors"

	"github.com/emersion/go-sasl"
)

// maxAuthFailures is the number of failed AUTH exchanges after which a
// session is closed.
const maxAuthFailures = 3

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errIdentityMismatch   = errors.New("authorization identity must match username")
)

// AuthenticationValidator checks credential pairs against the configured
// username and password.
type AuthenticationValidator struct {
	username string
	password string
}

// NewAuthenticationValidator creates a validator for the given credentials.
func NewAuthenticationValidator(username, password string) *AuthenticationValidator {
	return &AuthenticationValidator{
		username: username,
		password: password,
	}
}

// Enabled returns true if both username and password are configured.
func (v *AuthenticationValidator) Enabled() bool {
	return v != nil && v.username != "" && v.password != ""
}

// Validate reports whether username and password match the configuration.
func (v *AuthenticationValidator) Validate(username, password string) bool {
	if !v.Enabled() {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(v.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(v.password)) == 1
	return userOK && passOK
}

// Mechanisms lists the SASL mechanisms offered in EHLO, in order.
func (v *AuthenticationValidator) Mechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// newSASLServer returns the server side of mechanism, or nil if the
// mechanism is not supported.
func (v *AuthenticationValidator) newSASLServer(mechanism string) sasl.Server {
	switch mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errIdentityMismatch
			}
			return v.check(username, password)
		})
	case sasl.Login:
		return sasl.NewLoginServer(v.check)
	}
	return nil
}

func (v *AuthenticationValidator) check(username, password string) error {
	if !v.Validate(username, password) {
		return errInvalidCredentials
	}
	return nil
}
