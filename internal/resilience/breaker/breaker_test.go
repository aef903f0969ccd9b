package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		MonitoringPeriod:  60 * time.Second,
		VolumeThreshold:   3,
		ErrorThresholdPct: 50,
	}
}

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error { return b.Execute(func() error { return errBoom }) }
func ok(b *Breaker) error   { return b.Execute(func() error { return nil }) }

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(testConfig())

	for i := 0; i < 3; i++ {
		if err := fail(b); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected operation error, got %v", i, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("expected OPEN after 3 consecutive failures, got %s", got)
	}
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		fail(b)
	}

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("operation must not run while breaker is open")
	}
	if b.Stats().RejectedCalls != 1 {
		t.Errorf("expected 1 rejected call, got %d", b.Stats().RejectedCalls)
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b, now := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		fail(b)
	}

	*now = now.Add(31 * time.Second)

	if err := ok(b); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after one probe success, got %s", got)
	}

	// Second consecutive success closes the breaker and resets counters.
	if err := ok(b); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected CLOSED after success threshold, got %s", got)
	}
	if s := b.Stats(); s.TotalCalls != 0 || s.ConsecutiveFailures != 0 {
		t.Errorf("expected counters reset on close, got %+v", s)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(testConfig())
	for i := 0; i < 3; i++ {
		fail(b)
	}

	*now = now.Add(31 * time.Second)
	fail(b) // probe fails

	if got := b.State(); got != StateOpen {
		t.Fatalf("expected OPEN after half-open failure, got %s", got)
	}

	// Cooldown restarts from the failed probe.
	if err := ok(b); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected rejection during new cooldown, got %v", err)
	}
}

func TestBreaker_FailureRateTrip(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100 // force the rate path
	cfg.VolumeThreshold = 4
	b, _ := newTestBreaker(cfg)

	// 2 successes, 2 failures interleaved: 50% failure rate at volume 4.
	ok(b)
	fail(b)
	ok(b)
	fail(b)

	if got := b.State(); got != StateOpen {
		t.Fatalf("expected OPEN at 50%% failure rate, got %s", got)
	}
}

func TestBreaker_BelowVolumeThresholdStaysClosed(t *testing.T) {
	cfg := testConfig()
	cfg.VolumeThreshold = 10
	b, _ := newTestBreaker(cfg)

	for i := 0; i < 5; i++ {
		fail(b)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected CLOSED below volume threshold, got %s", got)
	}
}

func TestBreaker_WindowPruning(t *testing.T) {
	b, now := newTestBreaker(testConfig())

	fail(b)
	fail(b)

	// Old failures age out of the monitoring window.
	*now = now.Add(2 * time.Minute)
	fail(b)

	if got := b.State(); got != StateClosed {
		t.Fatalf("expected CLOSED after window pruning, got %s", got)
	}
}

func TestRegistry_GetOrCreateAndForce(t *testing.T) {
	r := NewRegistry(testConfig())

	b1 := r.GetOrCreate("webhook:https://a.example")
	b2 := r.GetOrCreate("webhook:https://a.example")
	if b1 != b2 {
		t.Fatal("expected the same breaker instance per target key")
	}

	if err := r.Force("webhook:https://a.example", StateOpen); err != nil {
		t.Fatalf("force open failed: %v", err)
	}
	if r.OpenCount() != 1 {
		t.Errorf("expected 1 open breaker, got %d", r.OpenCount())
	}

	if err := r.Force("webhook:https://a.example", StateClosed); err != nil {
		t.Fatalf("force close failed: %v", err)
	}
	if r.OpenCount() != 0 {
		t.Errorf("expected 0 open breakers, got %d", r.OpenCount())
	}

	if err := r.Force("missing", StateOpen); err == nil {
		t.Error("expected error forcing unknown breaker")
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(testConfig())
	r.GetOrCreate("b")
	r.GetOrCreate("a")

	stats := r.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 stats entries, got %d", len(stats))
	}
	if stats[0].Name != "a" || stats[1].Name != "b" {
		t.Errorf("expected stats sorted by name, got %s, %s", stats[0].Name, stats[1].Name)
	}
}
