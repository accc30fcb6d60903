// Package repository defines the persistence adapters for account records
// and refresh-token sessions, plus the sentinel errors shared across them.
// Sentinel values let the service layer distinguish failure scenarios
// (duplicate username vs duplicate email, missing record vs store outage)
// without inspecting driver-specific error strings.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no account. The service
// layer maps it to the appropriate client error (invalid credentials,
// invalid token, and so on) depending on the operation.
var ErrNotFound = errors.New("account not found")

// ErrUsernameExists is returned when an insert collides with an existing
// username.
var ErrUsernameExists = errors.New("username already registered")

// ErrEmailExists is returned when an insert collides with an existing email.
var ErrEmailExists = errors.New("email already registered")
