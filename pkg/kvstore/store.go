// Package kvstore is the durable keyed storage seam for the boundary
// core. The audit ledger and tool registry persist through it; callers
// choose the backend at construction time.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned when a key has no value.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Store is a persistent keyed store. Values are opaque bytes; the
// boundary core stores JSON documents under stable messageId-derived
// namespaces such as "beap-audit-store" and "beap-tool-registry".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
