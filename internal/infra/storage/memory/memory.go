// Package memory provides in-process repository implementations used when no
// database is configured, and by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/infra/storage"
)

// MemoryStorage backs all in-memory repositories with one shared lock.
type MemoryStorage struct {
	mu      sync.RWMutex
	retries map[string]*domain.RetryItem
	history map[string][]domain.AttemptRecord
	dead    map[string]*domain.DeadLetterItem
	audits  map[string]*storage.AuditRecord
}

// NewMemoryStorage creates empty shared storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		retries: make(map[string]*domain.RetryItem),
		history: make(map[string][]domain.AttemptRecord),
		dead:    make(map[string]*domain.DeadLetterItem),
		audits:  make(map[string]*storage.AuditRecord),
	}
}

// -----------------------------------------------------------------------------
// Retry Item Repository
// -----------------------------------------------------------------------------

type RetryRepo struct {
	store *MemoryStorage
}

func NewRetryRepo(store *MemoryStorage) *RetryRepo {
	return &RetryRepo{store: store}
}

func (r *RetryRepo) Save(ctx context.Context, item *domain.RetryItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *item
	r.store.retries[item.ID] = &cp
	return nil
}

func (r *RetryRepo) Get(ctx context.Context, id string) (*domain.RetryItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	item, ok := r.store.retries[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (r *RetryRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.RetryItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	due := make([]*domain.RetryItem, 0)
	for _, item := range r.store.retries {
		if item.Status != domain.RetryStatusPending && item.Status != domain.RetryStatusRetrying {
			continue
		}
		if item.NextRetryAt.After(now) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.RetryItem, 0, len(due))
	for _, item := range due {
		item.Status = domain.RetryStatusRetrying
		item.UpdatedAt = now
		cp := *item
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *RetryRepo) AppendHistory(ctx context.Context, id string, rec domain.AttemptRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.history[id] = append(r.store.history[id], rec)
	return nil
}

func (r *RetryRepo) History(ctx context.Context, id string) ([]domain.AttemptRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	recs := r.store.history[id]
	out := make([]domain.AttemptRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (r *RetryRepo) CountByStatus(ctx context.Context) (map[domain.RetryStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.RetryStatus]int)
	for _, item := range r.store.retries {
		counts[item.Status]++
	}
	return counts, nil
}

func (r *RetryRepo) ListByTxHash(ctx context.Context, txHash string) ([]*domain.RetryItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	items := make([]*domain.RetryItem, 0)
	for _, item := range r.store.retries {
		if item.TxHash != txHash {
			continue
		}
		if item.Status == domain.RetryStatusSucceeded || item.Status == domain.RetryStatusFailed {
			continue
		}
		cp := *item
		items = append(items, &cp)
	}
	return items, nil
}

func (r *RetryRepo) DeleteSucceededBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	deleted := 0
	for id, item := range r.store.retries {
		if item.Status == domain.RetryStatusSucceeded && item.UpdatedAt.Before(cutoff) {
			delete(r.store.retries, id)
			delete(r.store.history, id)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Dead Letter Repository
// -----------------------------------------------------------------------------

type DeadLetterRepo struct {
	store *MemoryStorage
}

func NewDeadLetterRepo(store *MemoryStorage) *DeadLetterRepo {
	return &DeadLetterRepo{store: store}
}

func (r *DeadLetterRepo) Save(ctx context.Context, item *domain.DeadLetterItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *item
	r.store.dead[item.ID] = &cp
	return nil
}

func (r *DeadLetterRepo) Get(ctx context.Context, id string) (*domain.DeadLetterItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	item, ok := r.store.dead[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (r *DeadLetterRepo) ListDead(ctx context.Context, limit int) ([]*domain.DeadLetterItem, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	items := make([]*domain.DeadLetterItem, 0)
	for _, item := range r.store.dead {
		if item.Status != domain.DeadLetterStatusDead {
			continue
		}
		cp := *item
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *DeadLetterRepo) CountByStatus(ctx context.Context) (map[domain.DeadLetterStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.DeadLetterStatus]int)
	for _, item := range r.store.dead {
		counts[item.Status]++
	}
	return counts, nil
}

func (r *DeadLetterRepo) CountDeadByErrorType(ctx context.Context) (map[domain.ErrorType]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.ErrorType]int)
	for _, item := range r.store.dead {
		if item.Status == domain.DeadLetterStatusDead {
			counts[item.ErrorType]++
		}
	}
	return counts, nil
}

func (r *DeadLetterRepo) ArchiveDeadBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	archived := 0
	for _, item := range r.store.dead {
		if item.Status == domain.DeadLetterStatusDead && item.CreatedAt.Before(cutoff) {
			item.Status = domain.DeadLetterStatusArchived
			item.UpdatedAt = time.Now()
			archived++
		}
	}
	return archived, nil
}

// -----------------------------------------------------------------------------
// Audit Repository
// -----------------------------------------------------------------------------

type AuditRepo struct {
	store *MemoryStorage
}

func NewAuditRepo(store *MemoryStorage) *AuditRepo {
	return &AuditRepo{store: store}
}

func (r *AuditRepo) Record(ctx context.Context, rec *storage.AuditRecord) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.audits[rec.Key]; exists {
		return false, nil
	}
	cp := *rec
	r.store.audits[rec.Key] = &cp
	return true, nil
}

func (r *AuditRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.audits), nil
}
