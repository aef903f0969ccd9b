package e2e

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/vietddude/ingestor/internal/control"
	"github.com/vietddude/ingestor/internal/core/config"
)

// TestPipeline_Postgres drives the full pipeline against a real database.
// Run with E2E_DATABASE_URL pointing at a disposable postgres instance;
// migrations are applied on startup.
func TestPipeline_Postgres(t *testing.T) {
	dbURL := os.Getenv("E2E_DATABASE_URL")
	if dbURL == "" {
		t.Skip("E2E_DATABASE_URL not set, skipping database e2e test")
	}

	var delivered atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	content := fmt.Sprintf(`
database:
  url: %s
migrations_dir: ../../migrations
retry:
  sweep_interval: 100ms
backoff:
  initial_delay: 10ms
webhooks:
  - url: %s
    timeout: 2s
`, dbURL, target.URL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.Server.Port = 0

	ing, err := control.NewIngestor(cfg)
	if err != nil {
		t.Fatalf("Failed to create ingestor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ing.Start(ctx); err != nil {
		t.Fatalf("Failed to start ingestor: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = ing.Stop(stopCtx)
	}()

	payload := fmt.Appendf(nil, `{
		"block_identifier": {"index": 42, "hash": "0xe2e"},
		"transactions": [{
			"transaction_hash": "0xe2etx",
			"operations": [{"contract_call": {"contract": "0xc", "method": "mint_badge"}}]
		}]
	}`)

	result, err := ing.HandlePayload(ctx, payload)
	if err != nil {
		t.Fatalf("HandlePayload failed: %v", err)
	}
	if result.EventCount != 1 {
		t.Fatalf("expected 1 event, got %d", result.EventCount)
	}

	deadline := time.Now().Add(10 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if delivered.Load() == 0 {
		t.Fatal("webhook was never delivered")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var audited int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_records WHERE audit_key = $1", "event:0xe2etx:0").Scan(&audited); err != nil {
		t.Fatalf("Failed to query audit records: %v", err)
	}
	if audited != 1 {
		t.Errorf("expected 1 audit record, got %d", audited)
	}
}
