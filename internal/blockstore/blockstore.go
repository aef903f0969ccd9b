// Package blockstore defines the block-indexed key/value store contract: every
// write is tagged with the block height that produced it, and the whole store
// can be rolled back to any prior height.
package blockstore

import (
	"context"
	"time"
)

// Entry is a stored value plus the height metadata used for rollback.
type Entry struct {
	Key         string    `json:"key"`
	Value       []byte    `json:"value"`
	BlockHeight uint64    `json:"block_height"`
	WrittenAt   time.Time `json:"written_at"`
}

// Store is the rollback contract shared by the in-memory cache and the
// durable projection store. After RollbackToBlock(h) returns, no entry with a
// recorded height above h may remain.
type Store interface {
	// Name identifies the store instance in logs and metrics.
	Name() string

	// Set writes value under key, tagged with the given block height.
	Set(ctx context.Context, key string, value []byte, blockHeight uint64) error

	// Get returns the entry for key, or nil if absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// RollbackToBlock deletes every entry written above the given height and
	// returns how many entries were removed.
	RollbackToBlock(ctx context.Context, height uint64) (int, error)

	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
}
