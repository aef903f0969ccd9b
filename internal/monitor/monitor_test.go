package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/notify"
	"github.com/vietddude/ingestor/internal/resilience/breaker"
)

type stubRetry struct {
	counts map[domain.RetryStatus]int
}

func (s stubRetry) Stats(ctx context.Context) (map[domain.RetryStatus]int, error) {
	return s.counts, nil
}

type stubDead struct {
	counts map[domain.DeadLetterStatus]int
}

func (s stubDead) Stats(ctx context.Context) (map[domain.DeadLetterStatus]int, error) {
	return s.counts, nil
}

type stubBreakers struct {
	open  int
	stats []breaker.Stats
}

func (s stubBreakers) OpenCount() int         { return s.open }
func (s stubBreakers) Stats() []breaker.Stats { return s.stats }

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.DedupWindow = 0
	return cfg
}

func newMonitor(cfg Config, retry stubRetry, dead stubDead, breakers stubBreakers) *Monitor {
	return NewMonitor(cfg, retry, dead, breakers, notify.NewBroadcaster(8))
}

func alertTypes(alerts []domain.Alert) []domain.AlertType {
	types := make([]domain.AlertType, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	return types
}

func TestCheck_RaisesThresholdAlerts(t *testing.T) {
	m := newMonitor(quietConfig(),
		stubRetry{counts: map[domain.RetryStatus]int{domain.RetryStatusPending: 501}},
		stubDead{counts: map[domain.DeadLetterStatus]int{domain.DeadLetterStatusDead: 101}},
		stubBreakers{open: 1, stats: []breaker.Stats{{TotalCalls: 10, TotalFailures: 6}}},
	)

	m.Check(context.Background())

	types := alertTypes(m.Alerts(0))
	assert.Contains(t, types, domain.AlertTypeRetryBacklog)
	assert.Contains(t, types, domain.AlertTypeDeadLetter)
	assert.Contains(t, types, domain.AlertTypeOpenBreakers)
	assert.Contains(t, types, domain.AlertTypeErrorRate)
}

func TestCheck_QuietSystemRaisesNothing(t *testing.T) {
	m := newMonitor(quietConfig(),
		stubRetry{counts: map[domain.RetryStatus]int{domain.RetryStatusPending: 3}},
		stubDead{counts: map[domain.DeadLetterStatus]int{}},
		stubBreakers{stats: []breaker.Stats{{TotalCalls: 100, TotalFailures: 2}}},
	)

	m.Check(context.Background())
	assert.Empty(t, m.Alerts(0))
}

func TestRaise_DedupWithinWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupWindow = time.Hour
	m := newMonitor(cfg, stubRetry{}, stubDead{}, stubBreakers{})

	m.Raise(domain.AlertTypeDeepReorg, domain.SeverityHigh, "first")
	m.Raise(domain.AlertTypeDeepReorg, domain.SeverityHigh, "suppressed")
	m.Raise(domain.AlertTypeRollbackError, domain.SeverityCritical, "different type passes")

	alerts := m.Alerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, "first", alerts[0].Message)
	assert.Equal(t, domain.AlertTypeRollbackError, alerts[1].Type)
}

func TestRaise_RingIsCapped(t *testing.T) {
	cfg := quietConfig()
	cfg.AlertRingSize = 3
	m := newMonitor(cfg, stubRetry{}, stubDead{}, stubBreakers{})

	for i := 0; i < 5; i++ {
		// Alternate types so dedup never applies within one type twice in a row.
		typ := domain.AlertTypeDeepReorg
		if i%2 == 1 {
			typ = domain.AlertTypeReorgImpact
		}
		m.Raise(typ, domain.SeverityLow, "msg")
	}

	assert.Len(t, m.Alerts(0), 3)
	assert.Len(t, m.Alerts(2), 2)
}

func TestRaise_PublishesToAlertTopic(t *testing.T) {
	broadcaster := notify.NewBroadcaster(8)
	sub, cancel := broadcaster.Subscribe(notify.TopicAlerts)
	defer cancel()

	m := NewMonitor(quietConfig(), stubRetry{}, stubDead{}, stubBreakers{}, broadcaster)
	m.Raise(domain.AlertTypeErrorRate, domain.SeverityHigh, "boom")

	select {
	case msg := <-sub:
		alert, ok := msg.Payload.(domain.Alert)
		require.True(t, ok)
		assert.Equal(t, domain.AlertTypeErrorRate, alert.Type)
	default:
		t.Fatal("expected an alert broadcast")
	}
}

func TestHealth_Derivation(t *testing.T) {
	tests := []struct {
		name     string
		open     int
		pending  int
		dead     int
		raise    domain.AlertSeverity
		ack      bool
		expected domain.HealthStatus
	}{
		{name: "all quiet", expected: domain.HealthHealthy},
		{name: "one open breaker degrades", open: 1, expected: domain.HealthDegraded},
		{name: "three open breakers unhealthy", open: 3, expected: domain.HealthUnhealthy},
		{name: "retry backlog degrades", pending: 501, expected: domain.HealthDegraded},
		{name: "dead letters degrade", dead: 101, expected: domain.HealthDegraded},
		{name: "critical alert unhealthy", raise: domain.SeverityCritical, expected: domain.HealthUnhealthy},
		{name: "high alert degrades", raise: domain.SeverityHigh, expected: domain.HealthDegraded},
		{name: "acked critical is ignored", raise: domain.SeverityCritical, ack: true, expected: domain.HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor(quietConfig(),
				stubRetry{counts: map[domain.RetryStatus]int{domain.RetryStatusPending: tt.pending}},
				stubDead{counts: map[domain.DeadLetterStatus]int{domain.DeadLetterStatusDead: tt.dead}},
				stubBreakers{open: tt.open},
			)
			if tt.raise != "" {
				m.Raise(domain.AlertTypeErrorRate, tt.raise, "x")
				if tt.ack {
					require.NoError(t, m.Ack(m.Alerts(0)[0].ID))
				}
			}

			report := m.Health(context.Background())
			assert.Equal(t, tt.expected, report.Status)
		})
	}
}

func TestAck_UnknownID(t *testing.T) {
	m := newMonitor(quietConfig(), stubRetry{}, stubDead{}, stubBreakers{})
	assert.Error(t, m.Ack("missing"))
}
