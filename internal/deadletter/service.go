// Package deadletter provides terminal storage for work that exhausted its
// retry budget, plus bulk recovery back into the retry queue and error
// frequency analysis for operator triage.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/infra/storage"
	"github.com/vietddude/ingestor/internal/metrics"
)

// RecoveredMaxAttempts is the reduced retry budget granted to recovered
// items.
const RecoveredMaxAttempts = 3

// Service owns the dead-letter collection.
type Service struct {
	repo      storage.DeadLetterRepository
	retryRepo storage.RetryItemRepository
}

// NewService creates a dead-letter service.
func NewService(repo storage.DeadLetterRepository, retryRepo storage.RetryItemRepository) *Service {
	return &Service{repo: repo, retryRepo: retryRepo}
}

// Escalate converts an exhausted retry item into a dead-letter item and marks
// the source item failed.
func (s *Service) Escalate(ctx context.Context, item *domain.RetryItem, reason string) (*domain.DeadLetterItem, error) {
	history, err := s.retryRepo.History(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("load error history: %w", err)
	}

	now := time.Now()
	dead := &domain.DeadLetterItem{
		ID:            uuid.New().String(),
		SourceItemID:  item.ID,
		ItemType:      item.ItemType,
		Payload:       item.Payload,
		TargetKey:     item.TargetKey,
		TxHash:        item.TxHash,
		TotalAttempts: item.AttemptCount,
		FailureReason: reason,
		ErrorType:     domain.ErrorTypeMaxRetries,
		ErrorHistory:  history,
		Status:        domain.DeadLetterStatusDead,
		ManualReview:  item.ErrorType == domain.ErrorTypeValidation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if item.ErrorType == domain.ErrorTypeValidation {
		dead.ErrorType = domain.ErrorTypeValidation
	}

	if err := s.repo.Save(ctx, dead); err != nil {
		return nil, fmt.Errorf("save dead-letter item: %w", err)
	}

	item.Status = domain.RetryStatusFailed
	item.UpdatedAt = now
	if err := s.retryRepo.Save(ctx, item); err != nil {
		return nil, fmt.Errorf("mark source item failed: %w", err)
	}

	s.updateSizeGauge(ctx)
	slog.Warn("item escalated to dead letter",
		"id", item.ID,
		"item_type", item.ItemType,
		"attempts", item.AttemptCount,
		"reason", reason,
	)
	return dead, nil
}

// Recover creates fresh retry items for dead items matching the filter, with
// a reduced retry budget, and marks the originals recovered.
func (s *Service) Recover(ctx context.Context, filter domain.DeadLetterFilter) ([]*domain.RetryItem, error) {
	dead, err := s.repo.ListDead(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list dead items: %w", err)
	}

	now := time.Now()
	recovered := make([]*domain.RetryItem, 0)
	for _, item := range dead {
		if !filter.Matches(item, now) {
			continue
		}

		fresh := &domain.RetryItem{
			ID:           uuid.New().String(),
			ItemType:     item.ItemType,
			Payload:      item.Payload,
			TargetKey:    item.TargetKey,
			TxHash:       item.TxHash,
			AttemptCount: 0,
			MaxAttempts:  RecoveredMaxAttempts,
			NextRetryAt:  now,
			Status:       domain.RetryStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.retryRepo.Save(ctx, fresh); err != nil {
			return recovered, fmt.Errorf("save recovered item: %w", err)
		}

		item.Status = domain.DeadLetterStatusRecovered
		item.UpdatedAt = now
		if err := s.repo.Save(ctx, item); err != nil {
			return recovered, fmt.Errorf("mark item recovered: %w", err)
		}
		recovered = append(recovered, fresh)
	}

	s.updateSizeGauge(ctx)
	slog.Info("dead-letter recovery completed", "recovered", len(recovered))
	return recovered, nil
}

// Archive transitions dead items older than the given age to archived. They
// stop being surfaced for review or alerting but are not deleted.
func (s *Service) Archive(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.repo.ArchiveDeadBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("archive dead items: %w", err)
	}
	s.updateSizeGauge(ctx)
	slog.Info("dead-letter archive completed", "archived", n)
	return n, nil
}

// Stats summarizes the collection by status.
func (s *Service) Stats(ctx context.Context) (map[domain.DeadLetterStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Analysis is the error-frequency breakdown served to operators.
type Analysis struct {
	TotalDead      int                `json:"total_dead"`
	ByErrorType    map[string]int     `json:"by_error_type"`
	ErrorTypePcts  map[string]float64 `json:"error_type_pcts"`
	CommonReasons  []ReasonCount      `json:"common_reasons"`
	ManualReview   int                `json:"manual_review_required"`
}

// ReasonCount pairs a failure reason with its occurrence count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Analyze computes error-frequency statistics over dead items.
func (s *Service) Analyze(ctx context.Context) (*Analysis, error) {
	byType, err := s.repo.CountDeadByErrorType(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by error type: %w", err)
	}

	dead, err := s.repo.ListDead(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list dead items: %w", err)
	}

	a := &Analysis{
		TotalDead:     len(dead),
		ByErrorType:   make(map[string]int, len(byType)),
		ErrorTypePcts: make(map[string]float64, len(byType)),
	}
	for et, n := range byType {
		a.ByErrorType[string(et)] = n
		if len(dead) > 0 {
			a.ErrorTypePcts[string(et)] = float64(n) / float64(len(dead)) * 100
		}
	}

	reasons := make(map[string]int)
	for _, item := range dead {
		reasons[item.FailureReason]++
		if item.ManualReview {
			a.ManualReview++
		}
	}
	for reason, n := range reasons {
		a.CommonReasons = append(a.CommonReasons, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(a.CommonReasons, func(i, j int) bool {
		if a.CommonReasons[i].Count != a.CommonReasons[j].Count {
			return a.CommonReasons[i].Count > a.CommonReasons[j].Count
		}
		return a.CommonReasons[i].Reason < a.CommonReasons[j].Reason
	})
	return a, nil
}

func (s *Service) updateSizeGauge(ctx context.Context) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return
	}
	metrics.DeadLetterSize.Set(float64(counts[domain.DeadLetterStatusDead]))
}
