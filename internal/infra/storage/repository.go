// Package storage defines the persistence contracts for retry items,
// dead-letter items and audit records. Implementations live in the memory and
// postgres subpackages; the control plane picks one at wiring time.
package storage

import (
	"context"
	"time"

	"github.com/vietddude/ingestor/internal/core/domain"
)

// RetryItemRepository handles retry queue persistence. Both collections must
// answer "due" queries efficiently, which the postgres implementation backs
// with an index on (status, next_retry_at).
type RetryItemRepository interface {
	// Save inserts or fully replaces a retry item
	Save(ctx context.Context, item *domain.RetryItem) error

	// Get retrieves an item by id, nil if absent
	Get(ctx context.Context, id string) (*domain.RetryItem, error)

	// ClaimDue atomically transitions up to limit due items
	// (status pending/retrying, next_retry_at <= now) to retrying and
	// returns them. Claimed items are invisible to concurrent claims.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error)

	// AppendHistory records one attempt in the item's error history
	AppendHistory(ctx context.Context, id string, rec domain.AttemptRecord) error

	// History returns the recorded attempts for an item, oldest first
	History(ctx context.Context, id string) ([]domain.AttemptRecord, error)

	// CountByStatus returns item counts keyed by status
	CountByStatus(ctx context.Context) (map[domain.RetryStatus]int, error)

	// ListByTxHash returns non-terminal items tied to a transaction hash
	ListByTxHash(ctx context.Context, txHash string) ([]*domain.RetryItem, error)

	// DeleteSucceededBefore removes succeeded items older than cutoff
	DeleteSucceededBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DeadLetterRepository handles terminal storage for exhausted work.
type DeadLetterRepository interface {
	// Save inserts or fully replaces a dead-letter item
	Save(ctx context.Context, item *domain.DeadLetterItem) error

	// Get retrieves an item by id, nil if absent
	Get(ctx context.Context, id string) (*domain.DeadLetterItem, error)

	// ListDead returns items with status dead, oldest first
	ListDead(ctx context.Context, limit int) ([]*domain.DeadLetterItem, error)

	// CountByStatus returns item counts keyed by status
	CountByStatus(ctx context.Context) (map[domain.DeadLetterStatus]int, error)

	// CountDeadByErrorType returns dead-item counts keyed by error type
	CountDeadByErrorType(ctx context.Context) (map[domain.ErrorType]int, error)

	// ArchiveDeadBefore transitions dead items created before cutoff to
	// archived and returns how many were affected
	ArchiveDeadBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditRepository stores durable audit records, idempotent by key: recording
// the same key twice must leave exactly one record.
type AuditRepository interface {
	// Record writes an audit entry; returns false when the key already existed
	Record(ctx context.Context, rec *AuditRecord) (bool, error)

	// Count returns the number of stored records
	Count(ctx context.Context) (int, error)
}

// AuditRecord is one durable audit entry.
type AuditRecord struct {
	ID        string    `db:"id"        json:"id"`
	Key       string    `db:"audit_key" json:"key"`
	Kind      string    `db:"kind"      json:"kind"`
	Payload   []byte    `db:"payload"   json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
