// Package monitor watches queue depths, breaker states and failure rates,
// raising deduplicated alerts and deriving a coarse health status.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/metrics"
	"github.com/vietddude/ingestor/internal/notify"
	"github.com/vietddude/ingestor/internal/resilience/breaker"
)

// RetryStatsSource reports retry queue depth by status.
type RetryStatsSource interface {
	Stats(ctx context.Context) (map[domain.RetryStatus]int, error)
}

// DeadStatsSource reports dead-letter depth by status.
type DeadStatsSource interface {
	Stats(ctx context.Context) (map[domain.DeadLetterStatus]int, error)
}

// BreakerStatsSource reports circuit breaker state.
type BreakerStatsSource interface {
	OpenCount() int
	Stats() []breaker.Stats
}

// Config holds the monitor thresholds.
type Config struct {
	CheckInterval         time.Duration
	DedupWindow           time.Duration // minimum gap between alerts of the same type
	AlertRingSize         int
	ErrorRatePct          float64 // aggregate breaker failure rate that alerts
	RetryBacklogMax       int
	DeadLetterMax         int
	UnhealthyOpenBreakers int // open breakers at which health turns unhealthy
}

// DefaultConfig returns the standard monitor tuning.
func DefaultConfig() Config {
	return Config{
		CheckInterval:         15 * time.Second,
		DedupWindow:           5 * time.Minute,
		AlertRingSize:         200,
		ErrorRatePct:          25,
		RetryBacklogMax:       500,
		DeadLetterMax:         100,
		UnhealthyOpenBreakers: 3,
	}
}

// HealthReport is the point-in-time health summary served to operators.
type HealthReport struct {
	Status       domain.HealthStatus `json:"status"`
	OpenBreakers int                 `json:"open_breakers"`
	RetryPending int                 `json:"retry_pending"`
	DeadLetters  int                 `json:"dead_letters"`
	ActiveAlerts int                 `json:"active_alerts"`
	CheckedAt    time.Time           `json:"checked_at"`
}

// Monitor runs periodic threshold checks and keeps a capped alert ring.
// Raise is safe for concurrent use and also serves as the alert hook for
// other components.
type Monitor struct {
	cfg         Config
	retry       RetryStatsSource
	dead        DeadStatsSource
	breakers    BreakerStatsSource
	broadcaster *notify.Broadcaster

	mu         sync.Mutex
	alerts     []domain.Alert
	lastRaised map[domain.AlertType]time.Time

	checking atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor over the given stat sources.
func NewMonitor(
	cfg Config,
	retry RetryStatsSource,
	dead DeadStatsSource,
	breakers BreakerStatsSource,
	broadcaster *notify.Broadcaster,
) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.AlertRingSize <= 0 {
		cfg.AlertRingSize = 200
	}
	if cfg.UnhealthyOpenBreakers <= 0 {
		cfg.UnhealthyOpenBreakers = 3
	}
	return &Monitor{
		cfg:         cfg,
		retry:       retry,
		dead:        dead,
		breakers:    breakers,
		broadcaster: broadcaster,
		lastRaised:  make(map[domain.AlertType]time.Time),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the check loop until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop terminates the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Check evaluates all thresholds once. A check arriving while another is in
// flight is skipped.
func (m *Monitor) Check(ctx context.Context) {
	if !m.checking.CompareAndSwap(false, true) {
		return
	}
	defer m.checking.Store(false)

	if pending := m.retryPending(ctx); m.cfg.RetryBacklogMax > 0 && pending > m.cfg.RetryBacklogMax {
		m.Raise(domain.AlertTypeRetryBacklog, domain.SeverityHigh,
			fmt.Sprintf("retry backlog at %d items exceeds limit %d", pending, m.cfg.RetryBacklogMax))
	}

	if deadCount := m.deadCount(ctx); m.cfg.DeadLetterMax > 0 && deadCount > m.cfg.DeadLetterMax {
		m.Raise(domain.AlertTypeDeadLetter, domain.SeverityHigh,
			fmt.Sprintf("dead-letter store at %d items exceeds limit %d", deadCount, m.cfg.DeadLetterMax))
	}

	if open := m.breakers.OpenCount(); open > 0 {
		severity := domain.SeverityMedium
		if open >= m.cfg.UnhealthyOpenBreakers {
			severity = domain.SeverityCritical
		}
		m.Raise(domain.AlertTypeOpenBreakers, severity,
			fmt.Sprintf("%d circuit breakers open", open))
	}

	if rate := m.aggregateFailureRate(); m.cfg.ErrorRatePct > 0 && rate > m.cfg.ErrorRatePct {
		m.Raise(domain.AlertTypeErrorRate, domain.SeverityHigh,
			fmt.Sprintf("aggregate failure rate %.1f%% exceeds %.1f%%", rate, m.cfg.ErrorRatePct))
	}
}

// Raise records an alert unless an alert of the same type fired within the
// dedup window. Implements the alert hook consumed by the reorg coordinator.
func (m *Monitor) Raise(alertType domain.AlertType, severity domain.AlertSeverity, message string) {
	now := time.Now()

	m.mu.Lock()
	if last, ok := m.lastRaised[alertType]; ok && now.Sub(last) < m.cfg.DedupWindow {
		m.mu.Unlock()
		return
	}
	m.lastRaised[alertType] = now

	alert := domain.Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
	}
	m.alerts = append(m.alerts, alert)
	if over := len(m.alerts) - m.cfg.AlertRingSize; over > 0 {
		m.alerts = append([]domain.Alert(nil), m.alerts[over:]...)
	}
	m.mu.Unlock()

	metrics.AlertsRaised.WithLabelValues(string(severity)).Inc()
	if m.broadcaster != nil {
		m.broadcaster.Publish(notify.TopicAlerts, alert)
	}

	logger := slog.Warn
	if severity == domain.SeverityCritical {
		logger = slog.Error
	}
	logger("alert raised", "type", alertType, "severity", severity, "message", message)
}

// Ack marks an alert acknowledged.
func (m *Monitor) Ack(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("no alert with id %q", id)
}

// Alerts returns up to limit alerts, newest last.
func (m *Monitor) Alerts(limit int) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.alerts) > limit {
		start = len(m.alerts) - limit
	}
	out := make([]domain.Alert, len(m.alerts)-start)
	copy(out, m.alerts[start:])
	return out
}

// Health derives the coarse system state from current depths, breaker states
// and unacknowledged alerts.
func (m *Monitor) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:       domain.HealthHealthy,
		OpenBreakers: m.breakers.OpenCount(),
		RetryPending: m.retryPending(ctx),
		DeadLetters:  m.deadCount(ctx),
		CheckedAt:    time.Now(),
	}

	var critical, high bool
	m.mu.Lock()
	for _, a := range m.alerts {
		if a.Acknowledged {
			continue
		}
		report.ActiveAlerts++
		switch a.Severity {
		case domain.SeverityCritical:
			critical = true
		case domain.SeverityHigh:
			high = true
		}
	}
	m.mu.Unlock()

	switch {
	case critical || report.OpenBreakers >= m.cfg.UnhealthyOpenBreakers:
		report.Status = domain.HealthUnhealthy
	case high || report.OpenBreakers > 0 ||
		(m.cfg.RetryBacklogMax > 0 && report.RetryPending > m.cfg.RetryBacklogMax) ||
		(m.cfg.DeadLetterMax > 0 && report.DeadLetters > m.cfg.DeadLetterMax):
		report.Status = domain.HealthDegraded
	}
	return report
}

func (m *Monitor) retryPending(ctx context.Context) int {
	counts, err := m.retry.Stats(ctx)
	if err != nil {
		slog.Error("retry stats unavailable", "error", err)
		return 0
	}
	return counts[domain.RetryStatusPending] + counts[domain.RetryStatusRetrying]
}

func (m *Monitor) deadCount(ctx context.Context) int {
	counts, err := m.dead.Stats(ctx)
	if err != nil {
		slog.Error("dead-letter stats unavailable", "error", err)
		return 0
	}
	return counts[domain.DeadLetterStatusDead]
}

// aggregateFailureRate pools all breaker windows into one failure percentage.
func (m *Monitor) aggregateFailureRate() float64 {
	var calls, failures int
	for _, s := range m.breakers.Stats() {
		calls += s.TotalCalls
		failures += s.TotalFailures
	}
	if calls == 0 {
		return 0
	}
	return float64(failures) / float64(calls) * 100
}
