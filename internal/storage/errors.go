package storage

import "errors"

var (
	// ErrAPIKeyNotFound is returned when no stored key matches a lookup
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrAdminUserNotFound is returned when an admin user is not found
	ErrAdminUserNotFound = errors.New("admin user not found")
)
