// Package ingest parses raw relay payloads into normalized events and keeps a
// bounded window of recent events for replay and inspection.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/metrics"
)

// Normalizer turns relay payloads into ProcessedEvents. Operations that are
// neither contract calls nor emitted contract events are dropped silently;
// malformed payloads yield an empty result and a warning log, never an error.
type Normalizer struct {
	windowSize int
	seq        atomic.Uint64

	mu     sync.RWMutex
	window []*domain.ProcessedEvent
}

// NewNormalizer creates a normalizer retaining up to windowSize events.
func NewNormalizer(windowSize int) *Normalizer {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &Normalizer{windowSize: windowSize}
}

// Normalize extracts one ProcessedEvent per operation of interest from the
// payload. Invalid payloads are dropped with a logged warning.
func (n *Normalizer) Normalize(p *Payload) []*domain.ProcessedEvent {
	if !p.Valid() {
		slog.Warn("dropping payload without block identifier")
		metrics.PayloadsDropped.Inc()
		return nil
	}

	height := p.BlockIdentifier.Index
	now := uint64(time.Now().Unix())
	events := make([]*domain.ProcessedEvent, 0)

	for _, tx := range p.Transactions {
		if tx.TransactionHash == "" {
			slog.Warn("dropping transaction without hash", "block", height)
			continue
		}
		opIndex := 0
		for _, op := range tx.Operations {
			if op.ContractCall != nil {
				ev := n.newEvent(tx.TransactionHash, opIndex, height, now)
				ev.EventType = deriveEventType(op.ContractCall.Method)
				ev.ContractAddress = op.ContractCall.Contract
				ev.Method = op.ContractCall.Method
				ev.OriginalEvent, _ = json.Marshal(op.ContractCall)
				events = append(events, ev)
				opIndex++
			}
			for _, ce := range op.Events {
				ev := n.newEvent(tx.TransactionHash, opIndex, height, now)
				ev.EventType = deriveEventType(ce.Topic)
				ev.ContractAddress = ce.ContractAddress
				ev.OriginalEvent, _ = json.Marshal(ce)
				events = append(events, ev)
				opIndex++
			}
		}
	}

	n.retain(events)
	for _, ev := range events {
		metrics.EventsProcessed.WithLabelValues(string(ev.EventType)).Inc()
	}
	return events
}

func (n *Normalizer) newEvent(txHash string, opIndex int, height, now uint64) *domain.ProcessedEvent {
	seq := n.seq.Add(1)
	return &domain.ProcessedEvent{
		ID:          fmt.Sprintf("evt-%d-%d", now, seq),
		TxHash:      txHash,
		OpIndex:     opIndex,
		BlockHeight: height,
		Timestamp:   now,
		Status:      domain.EventStatusProcessed,
	}
}

// retain appends to the bounded window, evicting oldest entries on overflow.
func (n *Normalizer) retain(events []*domain.ProcessedEvent) {
	if len(events) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.window = append(n.window, events...)
	if over := len(n.window) - n.windowSize; over > 0 {
		n.window = append([]*domain.ProcessedEvent(nil), n.window[over:]...)
	}
}

// Recent returns up to limit retained events, newest last.
func (n *Normalizer) Recent(limit int) []*domain.ProcessedEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()

	start := 0
	if limit > 0 && len(n.window) > limit {
		start = len(n.window) - limit
	}
	out := make([]*domain.ProcessedEvent, len(n.window)-start)
	copy(out, n.window[start:])
	return out
}

// ByTxHash returns retained events for a transaction hash.
func (n *Normalizer) ByTxHash(txHash string) []*domain.ProcessedEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*domain.ProcessedEvent, 0)
	for _, ev := range n.window {
		if ev.TxHash == txHash {
			out = append(out, ev)
		}
	}
	return out
}

// WindowLen returns the number of retained events.
func (n *Normalizer) WindowLen() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.window)
}

// deriveEventType pattern-matches method and topic substrings. Unmatched
// patterns yield unknown rather than failing.
func deriveEventType(s string) domain.EventType {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "mint"):
		return domain.EventTypeBadgeMint
	case strings.Contains(lower, "transfer"):
		return domain.EventTypeBadgeTransfer
	case strings.Contains(lower, "burn"):
		return domain.EventTypeBadgeBurn
	case strings.Contains(lower, "call"):
		return domain.EventTypeContractCall
	default:
		return domain.EventTypeUnknown
	}
}
