package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/ingestor/internal/core/domain"
)

// RetryRepo implements storage.RetryItemRepository using PostgreSQL.
type RetryRepo struct {
	db *DB
}

// NewRetryRepo creates a new PostgreSQL retry item repository.
func NewRetryRepo(db *DB) *RetryRepo {
	return &RetryRepo{db: db}
}

type retryRow struct {
	ID           string          `db:"id"`
	ItemType     string          `db:"item_type"`
	Payload      json.RawMessage `db:"payload"`
	TargetKey    string          `db:"target_key"`
	TxHash       string          `db:"tx_hash"`
	AttemptCount int             `db:"attempt_count"`
	MaxAttempts  int             `db:"max_attempts"`
	NextRetryAt  time.Time       `db:"next_retry_at"`
	LastError    string          `db:"last_error"`
	ErrorType    string          `db:"error_type"`
	Status       string          `db:"status"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (row retryRow) toDomain() *domain.RetryItem {
	return &domain.RetryItem{
		ID:           row.ID,
		ItemType:     domain.RetryItemType(row.ItemType),
		Payload:      row.Payload,
		TargetKey:    row.TargetKey,
		TxHash:       row.TxHash,
		AttemptCount: row.AttemptCount,
		MaxAttempts:  row.MaxAttempts,
		NextRetryAt:  row.NextRetryAt,
		LastError:    row.LastError,
		ErrorType:    domain.ErrorType(row.ErrorType),
		Status:       domain.RetryStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

const retryColumns = `
	id, item_type, payload, target_key, tx_hash, attempt_count, max_attempts,
	next_retry_at, last_error, error_type, status, created_at, updated_at
`

// Save inserts or fully replaces a retry item.
func (r *RetryRepo) Save(ctx context.Context, item *domain.RetryItem) error {
	query := `
		INSERT INTO retry_items (` + retryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempt_count = EXCLUDED.attempt_count,
			max_attempts = EXCLUDED.max_attempts,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			error_type = EXCLUDED.error_type,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		item.ID, string(item.ItemType), []byte(item.Payload), item.TargetKey, item.TxHash,
		item.AttemptCount, item.MaxAttempts, item.NextRetryAt, item.LastError,
		string(item.ErrorType), string(item.Status), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save retry item: %w", err)
	}
	return nil
}

// Get retrieves an item by id, nil if absent.
func (r *RetryRepo) Get(ctx context.Context, id string) (*domain.RetryItem, error) {
	query := `SELECT ` + retryColumns + ` FROM retry_items WHERE id = $1`

	var row retryRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry item: %w", err)
	}
	return row.toDomain(), nil
}

// ClaimDue atomically transitions up to limit due items to retrying and
// returns them. SKIP LOCKED keeps concurrent claimers from sharing items.
func (r *RetryRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error) {
	query := `
		UPDATE retry_items
		SET status = 'retrying', updated_at = $1
		WHERE id IN (
			SELECT id FROM retry_items
			WHERE status IN ('pending', 'retrying') AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + retryColumns

	var rows []retryRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to claim due items: %w", err)
	}

	items := make([]*domain.RetryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// AppendHistory records one attempt in the item's error history.
func (r *RetryRepo) AppendHistory(ctx context.Context, id string, rec domain.AttemptRecord) error {
	query := `
		INSERT INTO retry_attempts (item_id, attempt_number, error_msg, error_type, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		id, rec.AttemptNumber, rec.Error, string(rec.ErrorType), rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append attempt record: %w", err)
	}
	return nil
}

// History returns the recorded attempts for an item, oldest first.
func (r *RetryRepo) History(ctx context.Context, id string) ([]domain.AttemptRecord, error) {
	query := `
		SELECT attempt_number, error_msg, error_type, occurred_at
		FROM retry_attempts
		WHERE item_id = $1
		ORDER BY attempt_number
	`

	var rows []struct {
		AttemptNumber int       `db:"attempt_number"`
		ErrorMsg      string    `db:"error_msg"`
		ErrorType     string    `db:"error_type"`
		OccurredAt    time.Time `db:"occurred_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("failed to get attempt history: %w", err)
	}

	recs := make([]domain.AttemptRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, domain.AttemptRecord{
			AttemptNumber: row.AttemptNumber,
			Error:         row.ErrorMsg,
			ErrorType:     domain.ErrorType(row.ErrorType),
			Timestamp:     row.OccurredAt,
		})
	}
	return recs, nil
}

// CountByStatus returns item counts keyed by status.
func (r *RetryRepo) CountByStatus(ctx context.Context) (map[domain.RetryStatus]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM retry_items GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count retry items: %w", err)
	}

	counts := make(map[domain.RetryStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.RetryStatus(row.Status)] = row.N
	}
	return counts, nil
}

// ListByTxHash returns non-terminal items tied to a transaction hash.
func (r *RetryRepo) ListByTxHash(ctx context.Context, txHash string) ([]*domain.RetryItem, error) {
	query := `
		SELECT ` + retryColumns + `
		FROM retry_items
		WHERE tx_hash = $1 AND status IN ('pending', 'retrying')
	`

	var rows []retryRow
	if err := r.db.SelectContext(ctx, &rows, query, txHash); err != nil {
		return nil, fmt.Errorf("failed to list items by tx hash: %w", err)
	}

	items := make([]*domain.RetryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// DeleteSucceededBefore removes succeeded items older than cutoff.
func (r *RetryRepo) DeleteSucceededBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM retry_items WHERE status = 'succeeded' AND updated_at < $1`

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete succeeded items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
