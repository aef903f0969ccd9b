package domain

import "encoding/json"

// EventStatus represents the processing state of a normalized event.
type EventStatus string

const (
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
	EventStatusQueued    EventStatus = "queued"
)

// EventType categorizes a normalized chain event.
type EventType string

const (
	EventTypeBadgeMint     EventType = "badge-mint"
	EventTypeBadgeTransfer EventType = "badge-transfer"
	EventTypeBadgeBurn     EventType = "badge-burn"
	EventTypeContractCall  EventType = "contract-call"
	EventTypeUnknown       EventType = "unknown"
)

// ProcessedEvent is a single normalized operation extracted from a relay payload.
// Immutable once created except for Status. TxHash plus OpIndex is the
// idempotency key for durable side effects.
type ProcessedEvent struct {
	ID              string          `json:"id"`
	EventType       EventType       `json:"event_type"`
	ContractAddress string          `json:"contract_address,omitempty"`
	Method          string          `json:"method,omitempty"`
	TxHash          string          `json:"tx_hash"`
	OpIndex         int             `json:"op_index"`
	BlockHeight     uint64          `json:"block_height"`
	Timestamp       uint64          `json:"timestamp"`
	Status          EventStatus     `json:"status"`
	OriginalEvent   json.RawMessage `json:"original_event,omitempty"`
}
