package observability

import (
	"context"
	"testing"

	"github.com/noxrunner/noxrunner/internal/config"
)

func TestNewTracerSetupDisabled(t *testing.T) {
	for _, cfg := range []*config.TracingConfig{
		nil,
		{Enabled: false, Endpoint: "localhost:4317"},
	} {
		setup, err := NewTracerSetup(cfg)
		if err != nil {
			t.Fatalf("NewTracerSetup(%+v): %v", cfg, err)
		}
		if setup != nil {
			t.Errorf("NewTracerSetup(%+v) = %+v, want nil", cfg, setup)
		}
	}
}

func TestNilTracerSetupIsUsable(t *testing.T) {
	var setup *TracerSetup

	tracer := setup.Tracer()
	if tracer == nil {
		t.Fatal("nil setup returned nil tracer")
	}

	// Spans from the noop tracer must still be safe to use.
	_, span := tracer.Start(context.Background(), "test")
	span.End()

	if err := setup.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}
