// Package reorg coordinates the response to a chain reorganization: rolling
// back block-indexed stores, invalidating in-flight retries for affected
// transactions, replaying the canonical range and notifying subscribers.
package reorg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/ingestor/internal/audit"
	"github.com/vietddude/ingestor/internal/blockstore"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/ingest"
	"github.com/vietddude/ingestor/internal/metrics"
	"github.com/vietddude/ingestor/internal/notify"
)

// InvalidationReason marks retry items superseded by a rollback.
const InvalidationReason = "superseded by chain reorganization"

// Invalidator supersedes in-flight retry work tied to a transaction hash.
type Invalidator interface {
	InvalidateByTxHash(ctx context.Context, txHash, reason string) (int, error)
}

// ReplayFetcher retrieves canonical payloads for a block range after a
// rollback. A nil fetcher skips replay; the relay is then expected to
// re-deliver the canonical range on its own.
type ReplayFetcher func(ctx context.Context, fromBlock, toBlock uint64) ([]*ingest.Payload, error)

// Alerter receives conditions worth surfacing to operators.
type Alerter interface {
	Raise(alertType domain.AlertType, severity domain.AlertSeverity, message string)
}

// Config tunes the coordinator.
type Config struct {
	DeepReorgDepth  uint64 // depth at or above which a deep_reorg alert fires
	ImpactThreshold int    // affected tx count at or above which a reorg_impact alert fires
	RecentLimit     int    // handled reorg events retained for inspection
}

// DefaultConfig returns the standard coordinator tuning.
func DefaultConfig() Config {
	return Config{
		DeepReorgDepth:  12,
		ImpactThreshold: 20,
		RecentLimit:     100,
	}
}

// Report summarizes one handled reorganization.
type Report struct {
	Event            domain.ReorgEvent `json:"event"`
	EntriesDeleted   map[string]int    `json:"entries_deleted"`
	ItemsInvalidated int               `json:"items_invalidated"`
	EventsReplayed   int               `json:"events_replayed"`
	RollbackErrors   []string          `json:"rollback_errors,omitempty"`
}

// Coordinator executes the rollback/invalidate/replay/notify sequence.
// Reorgs are handled one at a time; a second signal arriving mid-rollback
// waits for the first to finish.
type Coordinator struct {
	cfg         Config
	stores      []blockstore.Store
	invalidator Invalidator
	normalizer  *ingest.Normalizer
	sink        audit.Sink
	broadcaster *notify.Broadcaster
	fetch       ReplayFetcher
	alerter     Alerter

	mu     sync.Mutex
	recent []domain.ReorgEvent
}

// NewCoordinator creates a coordinator over the given rollback-capable
// stores. invalidator, sink, broadcaster and normalizer are required; the
// replay fetcher and alerter may be nil.
func NewCoordinator(
	cfg Config,
	stores []blockstore.Store,
	invalidator Invalidator,
	normalizer *ingest.Normalizer,
	sink audit.Sink,
	broadcaster *notify.Broadcaster,
) *Coordinator {
	if cfg.DeepReorgDepth == 0 {
		cfg.DeepReorgDepth = 12
	}
	if cfg.ImpactThreshold <= 0 {
		cfg.ImpactThreshold = 20
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 100
	}
	return &Coordinator{
		cfg:         cfg,
		stores:      stores,
		invalidator: invalidator,
		normalizer:  normalizer,
		sink:        sink,
		broadcaster: broadcaster,
	}
}

// SetReplayFetcher installs the canonical-range fetcher used after rollback.
func (c *Coordinator) SetReplayFetcher(fetch ReplayFetcher) {
	c.fetch = fetch
}

// SetAlerter installs the operator alert hook.
func (c *Coordinator) SetAlerter(alerter Alerter) {
	c.alerter = alerter
}

// Handle processes a reorg payload. Store rollbacks are isolated per store: a
// failing store is reported and the remaining stores are still rolled back.
func (c *Coordinator) Handle(ctx context.Context, p *ingest.Payload) (*Report, error) {
	if p == nil || p.RollbackTo == nil || p.RollbackTo.BlockIdentifier == nil {
		return nil, fmt.Errorf("reorg payload carries no rollback reference")
	}

	ev := domain.ReorgEvent{
		RollbackToBlock: p.RollbackTo.BlockIdentifier.Index,
		RollbackToHash:  p.RollbackTo.BlockIdentifier.Hash,
		Timestamp:       uint64(time.Now().Unix()),
	}
	if p.BlockIdentifier != nil {
		ev.NewCanonicalBlock = p.BlockIdentifier.Index
		ev.NewCanonicalHash = p.BlockIdentifier.Hash
	} else {
		ev.NewCanonicalBlock = ev.RollbackToBlock
		ev.NewCanonicalHash = ev.RollbackToHash
	}
	for _, tx := range p.Transactions {
		if tx.TransactionHash != "" {
			ev.AffectedTxHashes = append(ev.AffectedTxHashes, tx.TransactionHash)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slog.Info("chain reorganization detected",
		"rollback_to", ev.RollbackToBlock,
		"new_canonical", ev.NewCanonicalBlock,
		"depth", ev.Depth(),
		"affected_txs", len(ev.AffectedTxHashes),
	)

	report := &Report{
		Event:          ev,
		EntriesDeleted: make(map[string]int, len(c.stores)),
	}

	for _, store := range c.stores {
		deleted, err := store.RollbackToBlock(ctx, ev.RollbackToBlock)
		if err != nil {
			msg := fmt.Sprintf("rollback of store %q to block %d failed: %v", store.Name(), ev.RollbackToBlock, err)
			slog.Error("store rollback failed", "store", store.Name(), "rollback_to", ev.RollbackToBlock, "error", err)
			report.RollbackErrors = append(report.RollbackErrors, msg)
			c.raise(domain.AlertTypeRollbackError, domain.SeverityCritical, msg)
			continue
		}
		report.EntriesDeleted[store.Name()] = deleted
	}

	for _, txHash := range ev.AffectedTxHashes {
		n, err := c.invalidator.InvalidateByTxHash(ctx, txHash, InvalidationReason)
		if err != nil {
			slog.Error("retry invalidation failed", "tx_hash", txHash, "error", err)
			continue
		}
		report.ItemsInvalidated += n
	}

	metrics.ReorgsTotal.Inc()
	metrics.ReorgDepth.Observe(float64(ev.Depth()))
	if ev.Depth() >= c.cfg.DeepReorgDepth {
		c.raise(domain.AlertTypeDeepReorg, domain.SeverityHigh,
			fmt.Sprintf("reorg depth %d reaches %d blocks", ev.Depth(), c.cfg.DeepReorgDepth))
	}
	if len(ev.AffectedTxHashes) >= c.cfg.ImpactThreshold {
		c.raise(domain.AlertTypeReorgImpact, domain.SeverityHigh,
			fmt.Sprintf("reorg invalidated %d transactions", len(ev.AffectedTxHashes)))
	}

	report.EventsReplayed = c.replay(ctx, ev)

	if err := c.sink.RecordReorg(ctx, &ev); err != nil {
		slog.Error("reorg audit record failed", "error", err)
	}
	c.broadcaster.Publish(notify.TopicReorg, ev)
	c.retain(ev)

	slog.Info("chain reorganization handled",
		"rollback_to", ev.RollbackToBlock,
		"items_invalidated", report.ItemsInvalidated,
		"events_replayed", report.EventsReplayed,
	)
	return report, nil
}

// replay fetches the canonical range and pushes it back through the
// normalizer and audit sink. Without a fetcher this is a no-op.
func (c *Coordinator) replay(ctx context.Context, ev domain.ReorgEvent) int {
	if c.fetch == nil || ev.NewCanonicalBlock <= ev.RollbackToBlock {
		return 0
	}

	payloads, err := c.fetch(ctx, ev.RollbackToBlock+1, ev.NewCanonicalBlock)
	if err != nil {
		slog.Error("canonical replay fetch failed",
			"from", ev.RollbackToBlock+1,
			"to", ev.NewCanonicalBlock,
			"error", err,
		)
		return 0
	}

	replayed := 0
	for _, p := range payloads {
		for _, pe := range c.normalizer.Normalize(p) {
			if err := c.sink.Record(ctx, pe); err != nil {
				slog.Error("replayed event audit record failed", "tx_hash", pe.TxHash, "error", err)
				continue
			}
			replayed++
		}
	}
	return replayed
}

func (c *Coordinator) raise(alertType domain.AlertType, severity domain.AlertSeverity, message string) {
	if c.alerter == nil {
		return
	}
	c.alerter.Raise(alertType, severity, message)
}

// retain appends ev to the bounded recent ring. Caller holds the lock.
func (c *Coordinator) retain(ev domain.ReorgEvent) {
	c.recent = append(c.recent, ev)
	if over := len(c.recent) - c.cfg.RecentLimit; over > 0 {
		c.recent = append([]domain.ReorgEvent(nil), c.recent[over:]...)
	}
}

// Recent returns up to limit handled reorg events, newest last.
func (c *Coordinator) Recent(limit int) []domain.ReorgEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := 0
	if limit > 0 && len(c.recent) > limit {
		start = len(c.recent) - limit
	}
	out := make([]domain.ReorgEvent, len(c.recent)-start)
	copy(out, c.recent[start:])
	return out
}
