package auth

import "errors"

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// ErrInvalidToken indicates the presented token failed validation. Callers
// must treat it as "no principal" rather than a server failure.
var ErrInvalidToken = errors.New("auth: invalid token")
