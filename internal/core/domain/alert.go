package domain

import "time"

// AlertSeverity orders alerts by operator urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType categorizes the condition that raised an alert.
type AlertType string

const (
	AlertTypeErrorRate     AlertType = "error_rate"
	AlertTypeDeadLetter    AlertType = "dead_letter_depth"
	AlertTypeRetryBacklog  AlertType = "retry_backlog"
	AlertTypeOpenBreakers  AlertType = "open_breakers"
	AlertTypeDeepReorg     AlertType = "deep_reorg"
	AlertTypeReorgImpact   AlertType = "reorg_impact"
	AlertTypeRollbackError AlertType = "rollback_error"
)

// Alert is a single monitoring alert. Stored append-only in a capped ring.
type Alert struct {
	ID           string        `json:"id"`
	Type         AlertType     `json:"type"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
}

// HealthStatus is the coarse system state derived by the monitor.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)
