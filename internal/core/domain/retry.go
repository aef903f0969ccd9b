package domain

import (
	"encoding/json"
	"time"
)

// RetryItemType identifies the kind of work carried by a retry item.
type RetryItemType string

const (
	RetryItemEvent   RetryItemType = "event"
	RetryItemWebhook RetryItemType = "webhook"
)

// RetryStatus is the lifecycle state of a retry item.
//
// State machine:
//
//	[pending] ---(claimed by sweep)---> [retrying]
//	[retrying] ---(success)---> [succeeded]
//	[retrying] ---(failure, attempts left)---> [pending]
//	[retrying] ---(exhausted / non-retryable)---> [failed] (escalated to dead letter)
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusRetrying  RetryStatus = "retrying"
	RetryStatusFailed    RetryStatus = "failed"
	RetryStatusSucceeded RetryStatus = "succeeded"
)

// ErrorType classifies a failed attempt. Classification happens once per
// failure and drives both backoff profile selection and retry eligibility.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeServer     ErrorType = "server_error"
	ErrorTypeUnknown    ErrorType = "unknown"

	// ErrorTypeMaxRetries is assigned only on dead-letter escalation.
	ErrorTypeMaxRetries ErrorType = "max_retries_exceeded"
)

// Retryable reports whether an error type is eligible for another attempt.
// Validation failures are never retried.
func (t ErrorType) Retryable() bool {
	return t != ErrorTypeValidation
}

// RetryItem is a unit of retryable work owned by the retry scheduler.
type RetryItem struct {
	ID           string          `json:"id"`
	ItemType     RetryItemType   `json:"item_type"`
	Payload      json.RawMessage `json:"payload"`
	TargetKey    string          `json:"target_key,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	LastError    string          `json:"last_error,omitempty"`
	ErrorType    ErrorType       `json:"error_type,omitempty"`
	Status       RetryStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AttemptRecord is one entry in an item's error history.
type AttemptRecord struct {
	AttemptNumber int       `json:"attempt_number"`
	Error         string    `json:"error"`
	ErrorType     ErrorType `json:"error_type"`
	Timestamp     time.Time `json:"timestamp"`
}
