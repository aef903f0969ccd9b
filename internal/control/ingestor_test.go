package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/ingestor/internal/audit"
	"github.com/vietddude/ingestor/internal/core/config"
	"github.com/vietddude/ingestor/internal/core/domain"
)

// flakySink fails the first n audit writes, then delegates.
type flakySink struct {
	inner    audit.Sink
	failures int
}

func (f *flakySink) Record(ctx context.Context, ev *domain.ProcessedEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	return f.inner.Record(ctx, ev)
}

func (f *flakySink) RecordReorg(ctx context.Context, ev *domain.ReorgEvent) error {
	return f.inner.RecordReorg(ctx, ev)
}

func newTestIngestor(t *testing.T, webhookURL string) *Ingestor {
	t.Helper()

	content := fmt.Sprintf(`
ingest:
  window_size: 100
retry:
  sweep_interval: 10ms
backoff:
  initial_delay: 1ms
  max_delay: 5ms
webhooks:
  - url: %s
    timeout: 2s
`, webhookURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	ing, err := NewIngestor(cfg)
	require.NoError(t, err)
	return ing
}

func eventPayload(height uint64, txHash, method string) []byte {
	return fmt.Appendf(nil, `{
		"block_identifier": {"index": %d, "hash": "0xblock%d"},
		"transactions": [{
			"transaction_hash": %q,
			"operations": [{"contract_call": {"contract": "0xc", "method": %q}}]
		}]
	}`, height, height, txHash, method)
}

func reorgPayload(newBlock, rollbackTo uint64, txHashes ...string) []byte {
	txs := ""
	for i, h := range txHashes {
		if i > 0 {
			txs += ","
		}
		txs += fmt.Sprintf(`{"transaction_hash": %q}`, h)
	}
	return fmt.Appendf(nil, `{
		"block_identifier": {"index": %d, "hash": "0xnew"},
		"rollback_to": {"block_identifier": {"index": %d, "hash": "0xfork"}},
		"transactions": [%s]
	}`, newBlock, rollbackTo, txs)
}

func TestHandlePayload_NormalizeProjectDeliver(t *testing.T) {
	var delivered atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	ing := newTestIngestor(t, target.URL)
	ctx := context.Background()

	result, err := ing.HandlePayload(ctx, eventPayload(100, "0xabc", "mint_badge"))
	require.NoError(t, err)
	assert.False(t, result.Reorg)
	assert.Equal(t, 1, result.EventCount)

	entry, err := ing.cache.Get(ctx, "event:0xabc:0")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, uint64(100), entry.BlockHeight)

	// The webhook goes out on the next sweep.
	deadline := time.Now().Add(5 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		ing.sched.Sweep(ctx)
		time.Sleep(10 * time.Millisecond)
	}
	assert.EqualValues(t, 1, delivered.Load())
}

func TestHandlePayload_AuditFailureQueuesEventForRetry(t *testing.T) {
	var delivered atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	ing := newTestIngestor(t, target.URL)
	ing.sink = &flakySink{inner: ing.sink, failures: 1}
	ctx := context.Background()

	result, err := ing.HandlePayload(ctx, eventPayload(100, "0xflaky", "mint_badge"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.EventCount)

	// The event itself is queued alongside its webhook job.
	counts, err := ing.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.RetryStatusPending])

	recent := ing.normalizer.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.EventStatusQueued, recent[0].Status)

	// The cache projection survived the audit failure.
	entry, err := ing.cache.Get(ctx, "event:0xflaky:0")
	require.NoError(t, err)
	assert.NotNil(t, entry)

	// Sweeps drain the queue: the audit write lands on the second pass and
	// the webhook goes out.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ing.sched.Sweep(ctx)
		counts, err = ing.sched.Stats(ctx)
		require.NoError(t, err)
		if counts[domain.RetryStatusPending]+counts[domain.RetryStatusRetrying] == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, counts[domain.RetryStatusPending])
	assert.Zero(t, counts[domain.RetryStatusFailed])
	assert.GreaterOrEqual(t, delivered.Load(), int32(1))
}

func TestHandlePayload_ReorgRollsBackAndInvalidates(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	ing := newTestIngestor(t, target.URL)
	ctx := context.Background()

	_, err := ing.HandlePayload(ctx, eventPayload(90, "0xold", "transfer_badge"))
	require.NoError(t, err)
	_, err = ing.HandlePayload(ctx, eventPayload(100, "0xorphaned", "mint_badge"))
	require.NoError(t, err)

	result, err := ing.HandlePayload(ctx, reorgPayload(100, 95, "0xorphaned"))
	require.NoError(t, err)
	assert.True(t, result.Reorg)

	// Entries above the fork point are gone, older ones survive.
	gone, err := ing.cache.Get(ctx, "event:0xorphaned:0")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := ing.cache.Get(ctx, "event:0xold:0")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	// The queued webhook for the orphaned tx was superseded.
	counts, err := ing.dead.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.DeadLetterStatusDead])

	recent := ing.coordinator.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(95), recent[0].RollbackToBlock)
}

func TestHandlePayload_MalformedPayload(t *testing.T) {
	ing := newTestIngestor(t, "http://unused.example")

	_, err := ing.HandlePayload(context.Background(), []byte("{not json"))
	assert.Error(t, err)
}

func TestIngestorLifecycle(t *testing.T) {
	ing := newTestIngestor(t, "http://unused.example")
	ing.cfg.Server.Port = 0

	ctx := context.Background()
	require.NoError(t, ing.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, ing.Stop(stopCtx))
}
