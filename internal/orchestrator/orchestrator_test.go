package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/orka/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.ExportsDir = t.TempDir()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0 // random free port
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	o, err := New(testConfig(t), "")
	if err != nil {
		t.Fatal(err)
	}
	if o.Sessions() == nil || o.Bus() == nil {
		t.Error("accessors returned nil")
	}
	if o.runtime == nil || o.ingestor == nil || o.gateway == nil || o.viewers == nil {
		t.Error("component not wired")
	}
	if names := o.notifier.Sinks(); len(names) == 0 {
		t.Error("notifier has no sinks")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	o, err := New(testConfig(t), "")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	// Give the gateway a moment to bind before tearing down.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
