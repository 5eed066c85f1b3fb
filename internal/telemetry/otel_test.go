package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/metergate/config"
)

func TestInitTracerStdout(t *testing.T) {
	cfg := &config.Config{OTELExporterType: "stdout"}

	shutdown, err := InitTracer(context.Background(), "metergate-test", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}

	tracer := otel.GetTracerProvider().Tracer("metergate-test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	// Shutdown flushes the batcher; it must not panic or hang.
	shutdown()
}

func TestInitTracerUnknownTypeFallsBackToStdout(t *testing.T) {
	cfg := &config.Config{OTELExporterType: "bogus"}

	shutdown, err := InitTracer(context.Background(), "metergate-test", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("InitTracer should fall back to the stdout exporter, got %v", err)
	}
	shutdown()
}
