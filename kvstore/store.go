// Package kvstore defines the persistent key/value store shared by every context of
// one client, together with its change-notification channel.
//
// A Store survives restarts and is visible to every context pointed at the same
// backing storage. Subscribers are told about changes made by other contexts; a
// store is not required to report a context's own writes back to it.
package kvstore

import "context"

// Change describes one mutation of a key.
type Change struct {
	Key     string
	Value   string // New value; empty when Deleted
	Deleted bool
}

// Store is the shared persistent store.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set creates or replaces a value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key that starts with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Subscribe registers a handler for changes made by other contexts. Handlers run
	// on a store-owned goroutine, never inside Set or Remove. The returned function
	// unregisters the handler.
	Subscribe(handler func(Change)) (unsubscribe func())
}
