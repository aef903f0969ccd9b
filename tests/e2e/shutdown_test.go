package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/ingestor/internal/control"
	"github.com/vietddude/ingestor/internal/core/config"
)

func TestGracefulShutdown(t *testing.T) {
	// No database or redis configured, so the pipeline runs on in-memory
	// storage but still starts every component.
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("retry:\n  sweep_interval: 100ms\n"), 0o644); err != nil {
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

	// Let it run for a bit
	time.Sleep(500 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	done := make(chan error, 1)
	go func() {
		done <- ing.Stop(stopCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Ingestor.Stop did not return within 10s")
	}
}
