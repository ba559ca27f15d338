package state

import "context"

// Store is the agent's durable key/value state: position snapshots, the
// execution journal, and audit bookkeeping all live behind it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
