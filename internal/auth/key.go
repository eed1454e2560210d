package auth

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when a plaintext key matches no stored record.
var ErrKeyNotFound = errors.New("API key not found")

// Key is the view of an API key needed at request time. Keys are stored
// hashed; the plaintext only exists in the caller's hands.
type Key struct {
	ID             string
	Name           string
	UserID         string
	OrganizationID string
	Revoked        bool
}

// KeyStore resolves plaintext API keys into stored records.
type KeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*Key, error)
}
