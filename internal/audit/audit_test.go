package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/infra/storage/memory"
)

func TestRecorder_IdempotentByTxHashAndOpIndex(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	rec := NewRecorder(memory.NewAuditRepo(store))

	ev := &domain.ProcessedEvent{
		ID:          "evt-1",
		EventType:   domain.EventTypeBadgeMint,
		TxHash:      "0xabc",
		OpIndex:     0,
		BlockHeight: 100,
		Status:      domain.EventStatusProcessed,
	}

	require.NoError(t, rec.Record(ctx, ev))

	// Replay of the same transaction must not create a second record.
	replay := *ev
	replay.ID = "evt-2"
	require.NoError(t, rec.Record(ctx, &replay))

	n, err := memory.NewAuditRepo(store).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A different op index of the same tx is a distinct record.
	other := *ev
	other.OpIndex = 1
	require.NoError(t, rec.Record(ctx, &other))

	n, _ = memory.NewAuditRepo(store).Count(ctx)
	assert.Equal(t, 2, n)
}

func TestRecorder_RecordReorg(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	rec := NewRecorder(memory.NewAuditRepo(store))

	ev := &domain.ReorgEvent{
		RollbackToBlock:   95,
		NewCanonicalBlock: 100,
		Timestamp:         1700000000,
	}
	require.NoError(t, rec.RecordReorg(ctx, ev))
	require.NoError(t, rec.RecordReorg(ctx, ev))

	n, _ := memory.NewAuditRepo(store).Count(ctx)
	assert.Equal(t, 1, n)
}
