// Package common defines shared constants and sentinel errors used across
// the client and server layers of threadsync. Callers should use errors.Is
// to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound = errors.New("not found")

	// Write-path errors. ErrValidation and ErrPermission are terminal: the
	// transaction queue rolls the write back and surfaces them to the
	// caller. ErrVersionConflict and ErrInternal are retried.
	ErrValidation      = errors.New("validation failed")
	ErrPermission      = errors.New("permission denied")
	ErrVersionConflict = errors.New("version conflict")
	ErrInternal        = errors.New("internal error")

	// ErrOffline is synthesized by the API client when the server is
	// unreachable. It suspends the queue drain loop rather than failing
	// individual transactions.
	ErrOffline = errors.New("offline")

	// Auth errors.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
