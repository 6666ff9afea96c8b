// Package auth checks the shared secret that gates relay sessions.
//
// It owns comparison only. Where the secret comes from is config's concern.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a presented credential.
type Validator interface {
	Validate(token string) error
}

// SharedSecret accepts exactly one configured secret. Both sides are
// digested before comparison so neither content nor length changes the
// time taken to reject.
type SharedSecret struct {
	Secret string
}

func (s SharedSecret) Validate(token string) error {
	if s.Secret == "" {
		return ErrUnauthorized
	}
	want := sha256.Sum256([]byte(s.Secret))
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// HeaderToken extracts the credential from an Authorization header value,
// accepting both bare and "Bearer " forms.
func HeaderToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
