// Package audit records processed and reorg events durably, idempotent by
// transaction hash and operation index.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/infra/storage"
)

// Sink is the audit contract consumed by the pipeline.
type Sink interface {
	// Record persists a processed event; re-recording the same
	// (tx hash, op index) is a no-op.
	Record(ctx context.Context, ev *domain.ProcessedEvent) error

	// RecordReorg persists a reorg event.
	RecordReorg(ctx context.Context, ev *domain.ReorgEvent) error
}

// Recorder implements Sink on top of an AuditRepository.
type Recorder struct {
	repo storage.AuditRepository
}

// NewRecorder creates a recorder backed by repo.
func NewRecorder(repo storage.AuditRepository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) Record(ctx context.Context, ev *domain.ProcessedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal processed event: %w", err)
	}

	rec := &storage.AuditRecord{
		ID:        uuid.New().String(),
		Key:       fmt.Sprintf("event:%s:%d", ev.TxHash, ev.OpIndex),
		Kind:      "processed_event",
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if _, err := r.repo.Record(ctx, rec); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

func (r *Recorder) RecordReorg(ctx context.Context, ev *domain.ReorgEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal reorg event: %w", err)
	}

	rec := &storage.AuditRecord{
		ID:        uuid.New().String(),
		Key:       fmt.Sprintf("reorg:%d:%d:%d", ev.RollbackToBlock, ev.NewCanonicalBlock, ev.Timestamp),
		Kind:      "reorg_event",
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if _, err := r.repo.Record(ctx, rec); err != nil {
		return fmt.Errorf("record reorg audit entry: %w", err)
	}
	return nil
}
