// Package registry implements the cluster-wide named-statement registry: the
// reconciliation engine that keeps a local cache of parsed statements in sync
// with the replicated (key → text) map.
package registry

import (
	"context"
	"time"

	"queryreg/pkg/ast"
)

// Registry is the caller-facing surface of the statement registry.
type Registry interface {
	// PutStatement parses text, replicates (key → text) and, once the write
	// is acknowledged, publishes the parsed statement in the local cache.
	// ttl > 0 additionally bounds the lifetime of the local cache entry.
	PutStatement(ctx context.Context, key, text string, ttl time.Duration) (string, error)

	// RemoveStatement replicates the deletion of key and, once acknowledged,
	// drops the local cache entry. Removing an absent key succeeds.
	RemoveStatement(ctx context.Context, key string) (string, error)

	// GetStatement reads the parsed statement from the local cache. It never
	// touches replication.
	GetStatement(key string) (*ast.Statement, bool)
}

// Noop is the registry given to nodes that do not participate (wrong cluster
// role or no membership): writes vanish, reads return absent. Call sites need
// no special-casing.
type Noop struct{}

func (Noop) PutStatement(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return key, nil
}

func (Noop) RemoveStatement(_ context.Context, key string) (string, error) {
	return key, nil
}

func (Noop) GetStatement(string) (*ast.Statement, bool) {
	return nil, false
}
