package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/ingestor/internal/infra/storage"
)

// AuditRepo implements storage.AuditRepository using PostgreSQL. Idempotency
// rides on the unique index over audit_key: duplicate keys insert nothing.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new PostgreSQL audit repository.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Record writes an audit entry; returns false when the key already existed.
func (r *AuditRepo) Record(ctx context.Context, rec *storage.AuditRecord) (bool, error) {
	query := `
		INSERT INTO audit_records (id, audit_key, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (audit_key) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Key, rec.Kind, rec.Payload, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of stored records.
func (r *AuditRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM audit_records`); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}
