// Package auth checks CONNECT credentials.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator validates a login/passcode pair from a CONNECT frame.
type Authenticator interface {
	Authenticate(login, passcode string) error
}

// AllowAll accepts every pair, including empty ones.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string) error {
	return nil
}

// StaticCredentials accepts a fixed set of logins. It is intended for
// development and small deployments configured from a file.
type StaticCredentials map[string]string

func (s StaticCredentials) Authenticate(login, passcode string) error {
	want, ok := s[login]
	if !ok || login == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(passcode)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncAuthenticator adapts a function into an Authenticator.
type FuncAuthenticator func(login, passcode string) error

func (f FuncAuthenticator) Authenticate(login, passcode string) error {
	return f(login, passcode)
}
