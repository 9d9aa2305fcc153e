package otel

import (
	"context"
	"testing"

	"github.com/sociotechnica-org/lifebuild/internal/config"
)

func TestInitDisabledReturnsNoop(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider missing tracer or meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitUnknownExporterRejected(t *testing.T) {
	_, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TaskExecutions == nil || m.ClaimConflicts == nil || m.QueueOverflows == nil {
		t.Fatal("instrument not created")
	}
}
