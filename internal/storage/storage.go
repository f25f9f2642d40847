// Package storage defines the string-keyed key/value store backing tokens,
// the user profile, the case cache and the sync queue.
package storage

import "context"

// Store is a simple durable key/value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key, or errs.ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Clear deletes every key.
	Clear(ctx context.Context) error
	// Keys lists all stored keys.
	Keys(ctx context.Context) ([]string, error)
}
