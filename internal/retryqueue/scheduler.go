// Package retryqueue owns the queue of retryable work items. A fixed-interval
// sweep claims due items and executes them through per-target circuit
// breakers with exponential backoff; exhausted items escalate to the
// dead-letter store.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/deadletter"
	"github.com/vietddude/ingestor/internal/infra/storage"
	"github.com/vietddude/ingestor/internal/metrics"
	"github.com/vietddude/ingestor/internal/resilience/backoff"
	"github.com/vietddude/ingestor/internal/resilience/breaker"
)

// Executor runs the work carried by a retry item. The error it returns is
// classified to decide rescheduling.
type Executor func(ctx context.Context, item *domain.RetryItem) error

// Config tunes the scheduler.
type Config struct {
	SweepInterval      time.Duration
	Workers            int
	ClaimLimit         int
	MaxAttempts        int
	SucceededRetention time.Duration
}

// DefaultConfig returns the standard scheduler tuning.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      5 * time.Second,
		Workers:            4,
		ClaimLimit:         50,
		MaxAttempts:        5,
		SucceededRetention: 24 * time.Hour,
	}
}

// Scheduler is the retry queue service. One instance is constructed at
// application start and shared by reference.
type Scheduler struct {
	cfg      Config
	repo     storage.RetryItemRepository
	dead     *deadletter.Service
	breakers *breaker.Registry
	policy   *backoff.Policy

	mu        sync.RWMutex
	executors map[domain.RetryItemType]Executor

	sweeping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler. Executors are registered per item type
// before Start.
func NewScheduler(
	cfg Config,
	repo storage.RetryItemRepository,
	dead *deadletter.Service,
	breakers *breaker.Registry,
	policy *backoff.Policy,
) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Scheduler{
		cfg:       cfg,
		repo:      repo,
		dead:      dead,
		breakers:  breakers,
		policy:    policy,
		executors: make(map[domain.RetryItemType]Executor),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RegisterExecutor binds an executor to an item type.
func (s *Scheduler) RegisterExecutor(itemType domain.RetryItemType, exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[itemType] = exec
}

// Submit enqueues new retryable work. The first attempt is scheduled by the
// backoff policy at attempt zero.
func (s *Scheduler) Submit(
	ctx context.Context,
	itemType domain.RetryItemType,
	payload json.RawMessage,
	targetKey, txHash string,
) (*domain.RetryItem, error) {
	now := time.Now()
	item := &domain.RetryItem{
		ID:           uuid.New().String(),
		ItemType:     itemType,
		Payload:      payload,
		TargetKey:    targetKey,
		TxHash:       txHash,
		AttemptCount: 0,
		MaxAttempts:  s.cfg.MaxAttempts,
		NextRetryAt:  s.policy.ComputeDelay(0, domain.ErrorTypeUnknown).NextRetryAt,
		Status:       domain.RetryStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Save(ctx, item); err != nil {
		return nil, fmt.Errorf("save retry item: %w", err)
	}
	s.updatePendingGauge(ctx)
	return item, nil
}

// Start runs the sweep loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep claims due items and processes them on a bounded worker pool.
// Re-entrant sweeps are a no-op: a tick arriving while a sweep is in flight
// is skipped, not queued.
func (s *Scheduler) Sweep(ctx context.Context) int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.sweeping.Store(false)

	items, err := s.repo.ClaimDue(ctx, time.Now(), s.cfg.ClaimLimit)
	if err != nil {
		slog.Error("retry sweep claim failed", "error", err)
		return 0
	}
	if len(items) == 0 {
		s.updatePendingGauge(ctx)
		return 0
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *domain.RetryItem) {
			defer wg.Done()
			defer func() { <-sem }()
			s.process(ctx, item)
		}(item)
	}
	wg.Wait()

	if s.cfg.SucceededRetention > 0 {
		if n, err := s.repo.DeleteSucceededBefore(ctx, time.Now().Add(-s.cfg.SucceededRetention)); err == nil && n > 0 {
			slog.Debug("cleaned up succeeded retry items", "deleted", n)
		}
	}
	s.updatePendingGauge(ctx)
	return len(items)
}

// process runs a single claimed item through its executor.
func (s *Scheduler) process(ctx context.Context, item *domain.RetryItem) {
	if item.ErrorType != "" && !item.ErrorType.Retryable() {
		s.escalate(ctx, item, "validation error is not retryable")
		return
	}
	if item.AttemptCount >= item.MaxAttempts {
		s.escalate(ctx, item, "maximum retry attempts exceeded")
		return
	}

	s.mu.RLock()
	exec := s.executors[item.ItemType]
	s.mu.RUnlock()
	if exec == nil {
		s.escalate(ctx, item, fmt.Sprintf("no executor registered for item type %q", item.ItemType))
		return
	}

	item.AttemptCount++
	item.UpdatedAt = time.Now()
	if err := s.repo.Save(ctx, item); err != nil {
		slog.Error("failed to persist claimed item", "id", item.ID, "error", err)
		return
	}

	err := s.breakers.GetOrCreate(s.targetKey(item)).Execute(func() error {
		return exec(ctx, item)
	})
	if err == nil {
		item.Status = domain.RetryStatusSucceeded
		item.UpdatedAt = time.Now()
		if err := s.repo.Save(ctx, item); err != nil {
			slog.Error("failed to persist succeeded item", "id", item.ID, "error", err)
		}
		metrics.RetryAttempts.WithLabelValues(string(item.ItemType), "success").Inc()
		return
	}

	s.handleFailure(ctx, item, err)
}

// handleFailure classifies the error, records history and either reschedules
// or escalates.
func (s *Scheduler) handleFailure(ctx context.Context, item *domain.RetryItem, err error) {
	errType := Classify(err)
	if errors.Is(err, breaker.ErrOpen) {
		// Breaker rejection is a retryable condition, not a target
		// failure; the item waits out the cooldown.
		errType = domain.ErrorTypeNetwork
	}

	item.LastError = err.Error()
	item.ErrorType = errType
	metrics.RetryAttempts.WithLabelValues(string(item.ItemType), "failure").Inc()

	rec := domain.AttemptRecord{
		AttemptNumber: item.AttemptCount,
		Error:         err.Error(),
		ErrorType:     errType,
		Timestamp:     time.Now(),
	}
	if histErr := s.repo.AppendHistory(ctx, item.ID, rec); histErr != nil {
		slog.Error("failed to append error history", "id", item.ID, "error", histErr)
	}

	if !errType.Retryable() {
		s.escalate(ctx, item, "validation error is not retryable")
		return
	}
	if item.AttemptCount >= item.MaxAttempts {
		s.escalate(ctx, item, "maximum retry attempts exceeded")
		return
	}

	decision := s.policy.ComputeDelay(item.AttemptCount, errType)
	item.Status = domain.RetryStatusPending
	item.NextRetryAt = decision.NextRetryAt
	item.UpdatedAt = time.Now()
	if saveErr := s.repo.Save(ctx, item); saveErr != nil {
		slog.Error("failed to reschedule item", "id", item.ID, "error", saveErr)
		return
	}
	slog.Debug("retry item rescheduled",
		"id", item.ID,
		"attempt", item.AttemptCount,
		"error_type", errType,
		"next_retry_at", item.NextRetryAt,
	)
}

func (s *Scheduler) escalate(ctx context.Context, item *domain.RetryItem, reason string) {
	if _, err := s.dead.Escalate(ctx, item, reason); err != nil {
		slog.Error("dead-letter escalation failed", "id", item.ID, "error", err)
		return
	}
	metrics.RetryAttempts.WithLabelValues(string(item.ItemType), "escalated").Inc()
}

// RetryNow makes an item due immediately.
func (s *Scheduler) RetryNow(ctx context.Context, id string) error {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get retry item: %w", err)
	}
	if item == nil {
		return fmt.Errorf("no retry item with id %q", id)
	}
	if item.Status == domain.RetryStatusSucceeded || item.Status == domain.RetryStatusFailed {
		return fmt.Errorf("retry item %q is terminal (%s)", id, item.Status)
	}

	item.NextRetryAt = time.Now()
	item.Status = domain.RetryStatusPending
	item.UpdatedAt = time.Now()
	return s.repo.Save(ctx, item)
}

// Cancel escalates an item to the dead-letter store immediately.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get retry item: %w", err)
	}
	if item == nil {
		return fmt.Errorf("no retry item with id %q", id)
	}
	if item.Status == domain.RetryStatusSucceeded || item.Status == domain.RetryStatusFailed {
		return fmt.Errorf("retry item %q is terminal (%s)", id, item.Status)
	}

	if _, err := s.dead.Escalate(ctx, item, "cancelled"); err != nil {
		return fmt.Errorf("escalate cancelled item: %w", err)
	}
	return nil
}

// InvalidateByTxHash supersedes all in-flight items tied to a transaction
// hash. Used by the reorg coordinator so stale payloads are never retried
// against a rewritten chain.
func (s *Scheduler) InvalidateByTxHash(ctx context.Context, txHash, reason string) (int, error) {
	items, err := s.repo.ListByTxHash(ctx, txHash)
	if err != nil {
		return 0, fmt.Errorf("list items by tx hash: %w", err)
	}

	for _, item := range items {
		if _, err := s.dead.Escalate(ctx, item, reason); err != nil {
			return 0, fmt.Errorf("supersede item %s: %w", item.ID, err)
		}
	}
	return len(items), nil
}

// Stats returns queue depth by status.
func (s *Scheduler) Stats(ctx context.Context) (map[domain.RetryStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *Scheduler) targetKey(item *domain.RetryItem) string {
	if item.TargetKey != "" {
		return item.TargetKey
	}
	return string(item.ItemType)
}

func (s *Scheduler) updatePendingGauge(ctx context.Context) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return
	}
	metrics.RetryQueuePending.Set(float64(counts[domain.RetryStatusPending]))
}
