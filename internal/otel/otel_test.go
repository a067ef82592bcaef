package otel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		wantSDK bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "none exporter", cfg: Config{Enabled: true, Exporter: ExporterNone}, wantSDK: true},
		{name: "custom service and sample rate", cfg: Config{Enabled: true, Exporter: ExporterNone, ServiceName: "leafy-test", SampleRate: 0.5}, wantSDK: true},
		{name: "stdout to stderr", cfg: Config{Enabled: true, Exporter: ExporterStdout}, wantSDK: true},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Init err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer p.Shutdown(context.Background())
			if p.Tracer == nil || p.Meter == nil {
				t.Fatal("tracer and meter must be set")
			}
			if (p.TracerProvider != nil) != tt.wantSDK {
				t.Fatalf("TracerProvider set=%v, want %v", p.TracerProvider != nil, tt.wantSDK)
			}
		})
	}
}

func TestShutdown_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d: %v", i+1, err)
		}
	}
}

func TestStdoutExporter_WritesTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "traces.jsonl")
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterStdout, TraceFile: path})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := StartSpan(context.Background(), p.Tracer, "cache.get", AttrQueryType.String("news"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if !strings.Contains(string(data), `"cache.get"`) {
		t.Fatalf("trace file missing span: %s", data)
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(ctx)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatal(err)
	}
	m.CacheHits.Add(ctx, 2, metric.WithAttributes(attribute.String("query_type", "news")))
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("query_type", "wikipedia")))
	m.FetchDuration.Record(ctx, 0.2)
	m.FetchDuration.Record(ctx, 0.4)

	snap, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := snap["leafy.cache.hits"]; got != 3 {
		t.Fatalf("cache hits = %v, want 3", got)
	}
	if got := snap["leafy.cache.fetch.duration"]; got != 2 {
		t.Fatalf("fetch duration count = %v, want 2", got)
	}
}

func TestSnapshot_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := p.Snapshot(context.Background())
	if err != nil || len(snap) != 0 {
		t.Fatalf("Snapshot = %v, %v; want empty", snap, err)
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "cache.get",
		AttrQueryType.String("wikipedia"),
		AttrCacheHit.Bool(false),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span with a valid context")
	}

	_, child := StartClientSpan(ctx, p.Tracer, "cache.fetch",
		AttrTaskID.String("task-1"),
	)
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("client span should share the parent trace")
	}
	child.End()
	span.End()
}
