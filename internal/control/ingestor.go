// Package control wires the ingestion pipeline together and owns its
// lifecycle: storage selection, executor registration, HTTP surface and
// graceful shutdown.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/vietddude/ingestor/internal/audit"
	"github.com/vietddude/ingestor/internal/blockstore"
	"github.com/vietddude/ingestor/internal/core/config"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/core/worker"
	"github.com/vietddude/ingestor/internal/deadletter"
	"github.com/vietddude/ingestor/internal/delivery"
	"github.com/vietddude/ingestor/internal/infra/storage"
	"github.com/vietddude/ingestor/internal/infra/storage/memory"
	"github.com/vietddude/ingestor/internal/infra/storage/postgres"
	"github.com/vietddude/ingestor/internal/ingest"
	"github.com/vietddude/ingestor/internal/ingest/reorg"
	"github.com/vietddude/ingestor/internal/monitor"
	"github.com/vietddude/ingestor/internal/notify"
	"github.com/vietddude/ingestor/internal/ops"
	"github.com/vietddude/ingestor/internal/resilience/backoff"
	"github.com/vietddude/ingestor/internal/resilience/breaker"
	"github.com/vietddude/ingestor/internal/retryqueue"

	redisclient "github.com/vietddude/ingestor/internal/infra/redis"
)

// Ingestor is the main application struct that manages the pipeline lifecycle.
type Ingestor struct {
	cfg         *config.AppConfig
	normalizer  *ingest.Normalizer
	coordinator *reorg.Coordinator
	sched       *retryqueue.Scheduler
	dead        *deadletter.Service
	mon         *monitor.Monitor
	breakers    *breaker.Registry
	broadcaster *notify.Broadcaster
	sink        audit.Sink
	sender      *delivery.WebhookSender
	subs        []delivery.Subscription
	cache       blockstore.Store
	archiver    *worker.Archiver
	server      *ops.Server
	db          *postgres.DB
	redisClient *redisclient.Client

	cancelWorkers context.CancelFunc
}

// webhookJob is the payload carried by webhook retry items.
type webhookJob struct {
	URL   string                 `json:"url"`
	Event *domain.ProcessedEvent `json:"event"`
}

// NewIngestor creates an Ingestor with all dependencies initialized.
func NewIngestor(cfg *config.AppConfig) (*Ingestor, error) {
	ing := &Ingestor{cfg: cfg}

	// 1. Storage
	var (
		retryRepo storage.RetryItemRepository
		dlRepo    storage.DeadLetterRepository
		auditRepo storage.AuditRepository
	)
	if cfg.Database.URL != "" {
		err := retry.Do(func() error {
			var err error
			ing.db, err = postgres.NewDB(context.Background(), cfg.Database)
			return err
		}, retry.Attempts(5), retry.Delay(time.Second), retry.DelayType(retry.BackOffDelay))
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := ing.db.Migrate(cfg.MigrationsDir); err != nil {
			return nil, err
		}
		retryRepo = postgres.NewRetryRepo(ing.db)
		dlRepo = postgres.NewDeadLetterRepo(ing.db)
		auditRepo = postgres.NewAuditRepo(ing.db)
	} else {
		slog.Warn("No database configured, using in-memory storage")
		store := memory.NewMemoryStorage()
		retryRepo = memory.NewRetryRepo(store)
		dlRepo = memory.NewDeadLetterRepo(store)
		auditRepo = memory.NewAuditRepo(store)
	}

	// 2. Block-indexed stores. The in-process cache is always present; the
	// Redis projection store joins when Redis is configured.
	ing.cache = blockstore.NewMemoryStore("cache")
	stores := []blockstore.Store{ing.cache}

	if cfg.Redis.URL != "" {
		err := retry.Do(func() error {
			var err error
			ing.redisClient, err = redisclient.NewClient(cfg.Redis)
			return err
		}, retry.Attempts(5), retry.Delay(time.Second), retry.DelayType(retry.BackOffDelay))
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		stores = append(stores, redisclient.NewBlockStore(ing.redisClient, "projections"))
	}

	// 3. Resilience layer
	ing.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		SuccessThreshold:  cfg.Breaker.SuccessThreshold,
		Timeout:           cfg.Breaker.Timeout,
		MonitoringPeriod:  cfg.Breaker.MonitoringPeriod,
		VolumeThreshold:   cfg.Breaker.VolumeThreshold,
		ErrorThresholdPct: cfg.Breaker.ErrorThresholdPct,
	})

	policy := &backoff.Policy{
		InitialDelay: cfg.Backoff.InitialDelay,
		MaxDelay:     cfg.Backoff.MaxDelay,
		Multiplier:   cfg.Backoff.Multiplier,
		JitterFactor: cfg.Backoff.JitterFactor,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Profiles:     backoff.DefaultPolicy().Profiles,
	}
	for name, prof := range cfg.Backoff.Profiles {
		policy.Profiles[domain.ErrorType(name)] = backoff.Profile{
			InitialDelay: prof.InitialDelay,
			MaxDelay:     prof.MaxDelay,
			Multiplier:   prof.Multiplier,
		}
	}

	ing.dead = deadletter.NewService(dlRepo, retryRepo)
	ing.archiver = worker.NewArchiver(cfg.Retry.DeadLetterRetention, ing.dead)
	ing.sched = retryqueue.NewScheduler(retryqueue.Config{
		SweepInterval:      cfg.Retry.SweepInterval,
		Workers:            cfg.Retry.Workers,
		ClaimLimit:         cfg.Retry.ClaimLimit,
		MaxAttempts:        cfg.Retry.MaxAttempts,
		SucceededRetention: cfg.Retry.SucceededRetention,
	}, retryRepo, ing.dead, ing.breakers, policy)

	// 4. Pipeline
	ing.normalizer = ingest.NewNormalizer(cfg.Ingest.WindowSize)
	ing.broadcaster = notify.NewBroadcaster(64)
	ing.sink = audit.NewRecorder(auditRepo)
	ing.coordinator = reorg.NewCoordinator(reorg.Config{
		DeepReorgDepth:  cfg.Reorg.DeepReorgDepth,
		ImpactThreshold: cfg.Reorg.ImpactThreshold,
		RecentLimit:     cfg.Reorg.RecentLimit,
	}, stores, ing.sched, ing.normalizer, ing.sink, ing.broadcaster)

	ing.mon = monitor.NewMonitor(monitor.Config{
		CheckInterval:         cfg.Monitor.CheckInterval,
		DedupWindow:           cfg.Monitor.DedupWindow,
		AlertRingSize:         200,
		ErrorRatePct:          cfg.Monitor.ErrorRatePct,
		RetryBacklogMax:       cfg.Monitor.RetryBacklogMax,
		DeadLetterMax:         cfg.Monitor.DeadLetterMax,
		UnhealthyOpenBreakers: cfg.Monitor.UnhealthyOpenBreakers,
	}, ing.sched, ing.dead, ing.breakers, ing.broadcaster)
	ing.coordinator.SetAlerter(ing.mon)

	// 5. Delivery
	var timeout time.Duration
	for _, wh := range cfg.Webhooks {
		if wh.Timeout > timeout {
			timeout = wh.Timeout
		}
		sub := delivery.Subscription{URL: wh.URL}
		for _, et := range wh.EventTypes {
			sub.EventTypes = append(sub.EventTypes, domain.EventType(et))
		}
		ing.subs = append(ing.subs, sub)
	}
	ing.sender = delivery.NewWebhookSender(timeout)

	ing.sched.RegisterExecutor(domain.RetryItemWebhook, ing.executeWebhook)
	ing.sched.RegisterExecutor(domain.RetryItemEvent, ing.executeEvent)

	ing.server = ops.NewServer(cfg.Server.Port, ing, ing.mon, ing.sched, ing.dead,
		ing.breakers, ing.coordinator, ing.normalizer)

	return ing, nil
}

// HandlePayload routes one raw relay payload: reorg signals go to the
// coordinator, everything else through normalization and fan-out.
func (ing *Ingestor) HandlePayload(ctx context.Context, raw []byte) (*ops.IngestResult, error) {
	p, err := ingest.ParsePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}

	if p.IsReorg() {
		report, err := ing.coordinator.Handle(ctx, p)
		if err != nil {
			return nil, err
		}
		return &ops.IngestResult{Reorg: true, EventCount: report.EventsReplayed}, nil
	}

	events := ing.normalizer.Normalize(p)
	for _, ev := range events {
		if err := ing.processEvent(ctx, ev); err != nil {
			slog.Error("event processing failed, queueing for retry",
				"tx_hash", ev.TxHash, "op_index", ev.OpIndex, "error", err)
			ev.Status = domain.EventStatusQueued
			if qErr := ing.queueEventRetry(ctx, ev); qErr != nil {
				ev.Status = domain.EventStatusFailed
				slog.Error("event retry enqueue failed", "tx_hash", ev.TxHash, "error", qErr)
			}
		}
	}
	return &ops.IngestResult{EventCount: len(events)}, nil
}

// processEvent records the event durably, projects it into the cache and
// enqueues webhook deliveries. Stages are independent; a failing stage does
// not stop the others.
func (ing *Ingestor) processEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	var errs []error
	if err := ing.sink.Record(ctx, ev); err != nil {
		errs = append(errs, fmt.Errorf("record audit: %w", err))
	}

	if value, err := json.Marshal(ev); err != nil {
		errs = append(errs, fmt.Errorf("marshal event: %w", err))
	} else {
		key := fmt.Sprintf("event:%s:%d", ev.TxHash, ev.OpIndex)
		if err := ing.cache.Set(ctx, key, value, ev.BlockHeight); err != nil {
			errs = append(errs, fmt.Errorf("project event: %w", err))
		}
	}

	for _, sub := range ing.subs {
		if !sub.Wants(ev.EventType) {
			continue
		}
		payload, err := json.Marshal(webhookJob{URL: sub.URL, Event: ev})
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal webhook job: %w", err))
			continue
		}
		if _, err := ing.sched.Submit(ctx, domain.RetryItemWebhook, payload, "webhook:"+sub.URL, ev.TxHash); err != nil {
			errs = append(errs, fmt.Errorf("enqueue webhook for %s: %w", sub.URL, err))
		}
	}
	return errors.Join(errs...)
}

// queueEventRetry hands a partially processed event to the retry queue so no
// failed stage is lost.
func (ing *Ingestor) queueEventRetry(ctx context.Context, ev *domain.ProcessedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = ing.sched.Submit(ctx, domain.RetryItemEvent, payload, "", ev.TxHash)
	return err
}

// executeWebhook delivers one queued webhook job.
func (ing *Ingestor) executeWebhook(ctx context.Context, item *domain.RetryItem) error {
	var job webhookJob
	if err := json.Unmarshal(item.Payload, &job); err != nil {
		return fmt.Errorf("invalid webhook job payload: %w", err)
	}
	return ing.sender.Send(ctx, job.URL, job.Event)
}

// executeEvent reprocesses a queued event, for example one recovered from the
// dead-letter store after a transient storage outage.
func (ing *Ingestor) executeEvent(ctx context.Context, item *domain.RetryItem) error {
	var ev domain.ProcessedEvent
	if err := json.Unmarshal(item.Payload, &ev); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	ev.Status = domain.EventStatusProcessed
	return ing.processEvent(ctx, &ev)
}

// Start starts the scheduler, the monitor and the HTTP server.
func (ing *Ingestor) Start(ctx context.Context) error {
	ing.sched.Start(ctx)
	ing.mon.Start(ctx)

	workerCtx, cancel := context.WithCancel(ctx)
	ing.cancelWorkers = cancel
	go ing.archiver.Start(workerCtx)

	go func() {
		if err := ing.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	slog.Info("Ingestor started", "port", ing.cfg.Server.Port)
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (ing *Ingestor) Stop(ctx context.Context) error {
	if err := ing.server.Stop(ctx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	if ing.cancelWorkers != nil {
		ing.cancelWorkers()
	}
	ing.sched.Stop()
	ing.mon.Stop()
	ing.broadcaster.Close()

	if ing.redisClient != nil {
		if err := ing.redisClient.Close(); err != nil {
			slog.Error("Redis close failed", "error", err)
		}
	}
	if ing.db != nil {
		if err := ing.db.Close(); err != nil {
			slog.Error("Database close failed", "error", err)
		}
	}

	slog.Info("Ingestor stopped gracefully")
	return nil
}
