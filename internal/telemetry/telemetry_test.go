package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "mend", ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Enabled() {
		t.Fatal("telemetry should be off unless enabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabledStdout(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	ctx := context.Background()
	shutdown, err := Init(ctx, Options{
		ServiceName:    "mend",
		ServiceVersion: "test",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		_, _ = Init(context.Background(), Options{})
	})
	if !Enabled() {
		t.Fatal("Enabled() = false after enabled Init")
	}

	r := NewRecorder("test", "mend.test")
	_, op := r.Start(ctx, "enabled")
	op.End(nil)

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRecorderWithNoopProviders(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r := NewRecorder("test", "mend.test")

	ctx, op := r.Start(context.Background(), "thing", attribute.String("k", "v"))
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	op.SetAttributes(attribute.Bool("done", true))
	op.End(nil)

	_, op = r.Start(context.Background(), "failing")
	op.End(errors.New("boom"))
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		metrics  string
		general  string
		want     string
	}{
		{"none", "", "", "", ""},
		{"general fallback", "", "", "collector:4318", "collector:4318"},
		{"metrics env wins over general", "", "metrics:4318", "collector:4318", "metrics:4318"},
		{"explicit wins", "cfg:4318", "metrics:4318", "collector:4318", "cfg:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", tt.metrics)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.general)
			if got := (Options{Endpoint: tt.explicit}).metricsEndpoint(); got != tt.want {
				t.Errorf("metricsEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}
