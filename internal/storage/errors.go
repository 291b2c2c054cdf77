package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential is not found
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")

	// ErrModelQuotaNotFound is returned when no quota row exists for a
	// (credential, model) pair
	ErrModelQuotaNotFound = errors.New("model quota not found")

	// ErrPoolNotFound is returned when no shared quota pool row exists for a
	// (user, model) pair
	ErrPoolNotFound = errors.New("shared quota pool not found")
)
