package domain

import (
	"encoding/json"
	"time"
)

// DeadLetterStatus is the state of a dead-letter item. Recovered and archived
// items are never surfaced for automatic processing again.
type DeadLetterStatus string

const (
	DeadLetterStatusDead      DeadLetterStatus = "dead"
	DeadLetterStatusRecovered DeadLetterStatus = "recovered"
	DeadLetterStatusArchived  DeadLetterStatus = "archived"
)

// DeadLetterItem is terminal storage for work that exhausted its retry budget.
// Created only by escalation from a RetryItem.
type DeadLetterItem struct {
	ID             string           `json:"id"`
	SourceItemID   string           `json:"source_item_id"`
	ItemType       RetryItemType    `json:"item_type"`
	Payload        json.RawMessage  `json:"payload"`
	TargetKey      string           `json:"target_key,omitempty"`
	TxHash         string           `json:"tx_hash,omitempty"`
	TotalAttempts  int              `json:"total_attempts"`
	FailureReason  string           `json:"failure_reason"`
	ErrorType      ErrorType        `json:"error_type"`
	ErrorHistory   []AttemptRecord  `json:"error_history"`
	Status         DeadLetterStatus `json:"status"`
	ManualReview   bool             `json:"manual_review_required"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DeadLetterFilter selects dead items for bulk recovery. Zero fields match
// everything.
type DeadLetterFilter struct {
	ItemType  RetryItemType `json:"item_type,omitempty"`
	ErrorType ErrorType     `json:"error_type,omitempty"`
	OlderThan time.Duration `json:"older_than,omitempty"`
}

// Matches reports whether the item satisfies the filter at the given time.
func (f DeadLetterFilter) Matches(item *DeadLetterItem, now time.Time) bool {
	if item.Status != DeadLetterStatusDead {
		return false
	}
	if f.ItemType != "" && item.ItemType != f.ItemType {
		return false
	}
	if f.ErrorType != "" && item.ErrorType != f.ErrorType {
		return false
	}
	if f.OlderThan > 0 && now.Sub(item.CreatedAt) < f.OlderThan {
		return false
	}
	return true
}
