package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/ingestor/internal/core/domain"
)

// DeadLetterRepo implements storage.DeadLetterRepository using PostgreSQL.
type DeadLetterRepo struct {
	db *DB
}

// NewDeadLetterRepo creates a new PostgreSQL dead-letter repository.
func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

type deadLetterRow struct {
	ID            string          `db:"id"`
	SourceItemID  string          `db:"source_item_id"`
	ItemType      string          `db:"item_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetKey     string          `db:"target_key"`
	TxHash        string          `db:"tx_hash"`
	TotalAttempts int             `db:"total_attempts"`
	FailureReason string          `db:"failure_reason"`
	ErrorType     string          `db:"error_type"`
	ErrorHistory  json.RawMessage `db:"error_history"`
	Status        string          `db:"status"`
	ManualReview  bool            `db:"manual_review"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (row deadLetterRow) toDomain() (*domain.DeadLetterItem, error) {
	var history []domain.AttemptRecord
	if len(row.ErrorHistory) > 0 {
		if err := json.Unmarshal(row.ErrorHistory, &history); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error history: %w", err)
		}
	}

	return &domain.DeadLetterItem{
		ID:            row.ID,
		SourceItemID:  row.SourceItemID,
		ItemType:      domain.RetryItemType(row.ItemType),
		Payload:       row.Payload,
		TargetKey:     row.TargetKey,
		TxHash:        row.TxHash,
		TotalAttempts: row.TotalAttempts,
		FailureReason: row.FailureReason,
		ErrorType:     domain.ErrorType(row.ErrorType),
		ErrorHistory:  history,
		Status:        domain.DeadLetterStatus(row.Status),
		ManualReview:  row.ManualReview,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

const deadLetterColumns = `
	id, source_item_id, item_type, payload, target_key, tx_hash, total_attempts,
	failure_reason, error_type, error_history, status, manual_review, created_at, updated_at
`

// Save inserts or fully replaces a dead-letter item.
func (r *DeadLetterRepo) Save(ctx context.Context, item *domain.DeadLetterItem) error {
	history, err := json.Marshal(item.ErrorHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal error history: %w", err)
	}

	query := `
		INSERT INTO dead_letters (` + deadLetterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		item.ID, item.SourceItemID, string(item.ItemType), []byte(item.Payload),
		item.TargetKey, item.TxHash, item.TotalAttempts, item.FailureReason,
		string(item.ErrorType), history, string(item.Status), item.ManualReview,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead-letter item: %w", err)
	}
	return nil
}

// Get retrieves an item by id, nil if absent.
func (r *DeadLetterRepo) Get(ctx context.Context, id string) (*domain.DeadLetterItem, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`

	var row deadLetterRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead-letter item: %w", err)
	}
	return row.toDomain()
}

// ListDead returns items with status dead, oldest first.
func (r *DeadLetterRepo) ListDead(ctx context.Context, limit int) ([]*domain.DeadLetterItem, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE status = 'dead'
		ORDER BY created_at
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rows []deadLetterRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead items: %w", err)
	}

	items := make([]*domain.DeadLetterItem, 0, len(rows))
	for _, row := range rows {
		item, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// CountByStatus returns item counts keyed by status.
func (r *DeadLetterRepo) CountByStatus(ctx context.Context) (map[domain.DeadLetterStatus]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM dead_letters GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count dead-letter items: %w", err)
	}

	counts := make(map[domain.DeadLetterStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.DeadLetterStatus(row.Status)] = row.N
	}
	return counts, nil
}

// CountDeadByErrorType returns dead-item counts keyed by error type.
func (r *DeadLetterRepo) CountDeadByErrorType(ctx context.Context) (map[domain.ErrorType]int, error) {
	query := `
		SELECT error_type, COUNT(*) AS n
		FROM dead_letters
		WHERE status = 'dead'
		GROUP BY error_type
	`

	var rows []struct {
		ErrorType string `db:"error_type"`
		N         int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count by error type: %w", err)
	}

	counts := make(map[domain.ErrorType]int, len(rows))
	for _, row := range rows {
		counts[domain.ErrorType(row.ErrorType)] = row.N
	}
	return counts, nil
}

// ArchiveDeadBefore transitions dead items created before cutoff to archived.
func (r *DeadLetterRepo) ArchiveDeadBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		UPDATE dead_letters
		SET status = 'archived', updated_at = NOW()
		WHERE status = 'dead' AND created_at < $1
	`

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive dead items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
