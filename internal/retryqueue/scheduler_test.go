package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/deadletter"
	"github.com/vietddude/ingestor/internal/infra/storage/memory"
	"github.com/vietddude/ingestor/internal/resilience/backoff"
	"github.com/vietddude/ingestor/internal/resilience/breaker"
)

func testPolicy() *backoff.Policy {
	return &backoff.Policy{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.0,
		JitterFactor: 0,
		MaxAttempts:  5,
	}
}

func testBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:  100,
		SuccessThreshold:  2,
		Timeout:           time.Minute,
		MonitoringPeriod:  time.Minute,
		VolumeThreshold:   1000,
		ErrorThresholdPct: 100,
	}
}

type fixture struct {
	sched     *Scheduler
	retryRepo *memory.RetryRepo
	dlRepo    *memory.DeadLetterRepo
	registry  *breaker.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	retryRepo := memory.NewRetryRepo(store)
	dlRepo := memory.NewDeadLetterRepo(store)
	registry := breaker.NewRegistry(testBreakerConfig())
	dead := deadletter.NewService(dlRepo, retryRepo)
	return &fixture{
		sched:     NewScheduler(cfg, retryRepo, dead, registry, testPolicy()),
		retryRepo: retryRepo,
		dlRepo:    dlRepo,
		registry:  registry,
	}
}

// sweepUntil drains the queue by sweeping until pred holds or the deadline
// passes.
func sweepUntil(t *testing.T, f *fixture, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.sched.Sweep(context.Background())
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestScheduler_SuccessPath(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	f.sched.RegisterExecutor(domain.RetryItemWebhook, func(ctx context.Context, item *domain.RetryItem) error {
		calls.Add(1)
		return nil
	})

	item, err := f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "webhook:https://a", "0x1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetryStatusPending, item.Status)

	sweepUntil(t, f, func() bool {
		got, _ := f.retryRepo.Get(ctx, item.ID)
		return got.Status == domain.RetryStatusSucceeded
	})
	assert.EqualValues(t, 1, calls.Load())

	got, _ := f.retryRepo.Get(ctx, item.ID)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestScheduler_ExhaustionEscalatesToDeadLetter(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.sched.RegisterExecutor(domain.RetryItemWebhook, func(ctx context.Context, item *domain.RetryItem) error {
		return errors.New("503 Service Unavailable")
	})

	item, err := f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "webhook:https://b", "0x2")
	require.NoError(t, err)

	sweepUntil(t, f, func() bool {
		got, _ := f.retryRepo.Get(ctx, item.ID)
		return got.Status == domain.RetryStatusFailed
	})

	dead, err := f.dlRepo.ListDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 5, dead[0].TotalAttempts)
	assert.Equal(t, "maximum retry attempts exceeded", dead[0].FailureReason)
	assert.Equal(t, domain.ErrorTypeMaxRetries, dead[0].ErrorType)
	assert.Len(t, dead[0].ErrorHistory, 5)

	source, _ := f.retryRepo.Get(ctx, item.ID)
	assert.Equal(t, domain.RetryStatusFailed, source.Status)
	assert.Equal(t, 5, source.AttemptCount)
}

func TestScheduler_ValidationErrorNeverRetried(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	var calls atomic.Int32
	f.sched.RegisterExecutor(domain.RetryItemEvent, func(ctx context.Context, item *domain.RetryItem) error {
		calls.Add(1)
		return errors.New("validation failed: missing field")
	})

	item, _ := f.sched.Submit(ctx, domain.RetryItemEvent, json.RawMessage(`{}`), "", "0x3")

	sweepUntil(t, f, func() bool {
		got, _ := f.retryRepo.Get(ctx, item.ID)
		return got.Status == domain.RetryStatusFailed
	})

	assert.EqualValues(t, 1, calls.Load(), "validation errors escalate on first occurrence")
	dead, _ := f.dlRepo.ListDead(ctx, 0)
	require.Len(t, dead, 1)
	assert.True(t, dead[0].ManualReview)
}

func TestScheduler_BreakerOpenReschedulesInsteadOfEscalating(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.sched.RegisterExecutor(domain.RetryItemWebhook, func(ctx context.Context, item *domain.RetryItem) error {
		t.Fatal("executor must not run while breaker is open")
		return nil
	})

	item, _ := f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "webhook:https://c", "0x4")

	// Trip the breaker for this target before the first sweep.
	f.registry.GetOrCreate("webhook:https://c").ForceOpen()

	time.Sleep(5 * time.Millisecond)
	f.sched.Sweep(ctx)

	got, _ := f.retryRepo.Get(ctx, item.ID)
	assert.Equal(t, domain.RetryStatusPending, got.Status, "breaker rejection must reschedule, not escalate")
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, domain.ErrorTypeNetwork, got.ErrorType)

	dead, _ := f.dlRepo.ListDead(ctx, 0)
	assert.Empty(t, dead)
}

func TestScheduler_SweepMutualExclusion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	block := make(chan struct{})
	var concurrent atomic.Int32
	f.sched.RegisterExecutor(domain.RetryItemWebhook, func(ctx context.Context, item *domain.RetryItem) error {
		concurrent.Add(1)
		<-block
		return nil
	})

	f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "", "0x5")
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.sched.Sweep(ctx)
	}()

	// Wait for the first sweep to pick the item up, then try to re-enter.
	for concurrent.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if n := f.sched.Sweep(ctx); n != 0 {
		t.Errorf("re-entrant sweep processed %d items, want 0", n)
	}

	close(block)
	wg.Wait()
	assert.EqualValues(t, 1, concurrent.Load())
}

func TestScheduler_RetryNowAndCancel(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.sched.RegisterExecutor(domain.RetryItemWebhook, func(ctx context.Context, item *domain.RetryItem) error {
		return errors.New("connection refused")
	})

	item, _ := f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "", "0x6")

	require.NoError(t, f.sched.RetryNow(ctx, item.ID))
	got, _ := f.retryRepo.Get(ctx, item.ID)
	assert.False(t, got.NextRetryAt.After(time.Now()))

	require.NoError(t, f.sched.Cancel(ctx, item.ID))
	got, _ = f.retryRepo.Get(ctx, item.ID)
	assert.Equal(t, domain.RetryStatusFailed, got.Status)

	dead, _ := f.dlRepo.ListDead(ctx, 0)
	require.Len(t, dead, 1)
	assert.Equal(t, "cancelled", dead[0].FailureReason)

	assert.Error(t, f.sched.RetryNow(ctx, "missing"))
	assert.Error(t, f.sched.Cancel(ctx, item.ID), "terminal items cannot be cancelled twice")
}

func TestScheduler_InvalidateByTxHash(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	a, _ := f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "", "0xaffected")
	b, _ := f.sched.Submit(ctx, domain.RetryItemWebhook, json.RawMessage(`{}`), "", "0xuntouched")

	n, err := f.sched.InvalidateByTxHash(ctx, "0xaffected", "superseded by chain reorganization")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotA, _ := f.retryRepo.Get(ctx, a.ID)
	assert.Equal(t, domain.RetryStatusFailed, gotA.Status)
	gotB, _ := f.retryRepo.Get(ctx, b.ID)
	assert.Equal(t, domain.RetryStatusPending, gotB.Status)
}

func TestScheduler_NoExecutorEscalates(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	item, _ := f.sched.Submit(ctx, domain.RetryItemType("bogus"), json.RawMessage(`{}`), "", "")
	time.Sleep(5 * time.Millisecond)
	f.sched.Sweep(ctx)

	got, _ := f.retryRepo.Get(ctx, item.ID)
	assert.Equal(t, domain.RetryStatusFailed, got.Status)
}
