package telemetry_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/undiscoveredart/marketplace/internal/telemetry"
)

func TestNewNopProvider(t *testing.T) {
	p := telemetry.NewNopProvider()

	if p.TracerProvider == nil {
		t.Fatal("TracerProvider is nil")
	}
	if p.MeterProvider == nil {
		t.Fatal("MeterProvider is nil")
	}
	if p.LoggerProvider == nil {
		t.Fatal("LoggerProvider is nil")
	}
	if p.Logger == nil {
		t.Fatal("Logger is nil")
	}
}

func TestNopProvider_Shutdown(t *testing.T) {
	p := telemetry.NewNopProvider()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestLogWithTrace_NoSpan(t *testing.T) {
	// Context with no span should return the original logger unchanged.
	logger := slog.Default()
	got := telemetry.LogWithTrace(context.Background(), logger)
	if got != logger {
		t.Error("LogWithTrace() with no span should return the original logger")
	}
}

func TestLogWithTrace_WithSpan(t *testing.T) {
	p := telemetry.NewNopProvider()
	tracer := p.TracerProvider.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	if got := telemetry.LogWithTrace(ctx, slog.Default()); got == nil {
		t.Fatal("LogWithTrace() returned nil")
	}
}
