// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across storage/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMalformedToken indicates a bearer token that cannot be decoded.
	// Treated everywhere as "no valid session".
	ErrMalformedToken = errors.New("malformed token")

	// ErrPersistence indicates the local key/value store is unavailable.
	ErrPersistence = errors.New("persistence unavailable")

	// ErrOffline indicates an operation that required connectivity had none.
	ErrOffline = errors.New("offline")
)
