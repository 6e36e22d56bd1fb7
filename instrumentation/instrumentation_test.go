package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name:   "enabled without exporters",
			config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"},
		},
		{
			name:   "prometheus",
			config: Config{Enabled: true, MetricsExporter: ExporterPrometheus},
		},
		{
			name:    "unknown metrics exporter",
			config:  Config{Enabled: true, MetricsExporter: "statsd"},
			wantErr: true,
		},
		{
			name:    "otlp without endpoint",
			config:  Config{Enabled: true, TracesExporter: ExporterOTLP},
			wantErr: true,
		},
		{
			name:    "unknown traces exporter",
			config:  Config{Enabled: true, TracesExporter: "zipkin"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("server") == nil || inst.Tracer("server") == nil {
				t.Error("meter or tracer is nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.MeterProvider() == nil || inst.TracerProvider() == nil {
				t.Error("providers are nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.config.TraceSamplingRate != 1.0 {
		t.Errorf("TraceSamplingRate = %v, want 1.0", inst.config.TraceSamplingRate)
	}
	if inst.MetricsHandler() != nil {
		t.Error("MetricsHandler() should be nil without the prometheus exporter")
	}
}

func TestInstrumentation_NilSafe(t *testing.T) {
	var inst *Instrumentation

	if inst.Metrics() != nil {
		t.Error("nil Instrumentation should return nil Metrics")
	}
	// Record* on nil Metrics must not panic
	inst.Metrics().RecordTokenIssued(context.Background(), "access", "client_credentials")
	inst.Metrics().RecordKeysPruned(context.Background(), 2)

	_, span := inst.Tracer("server").Start(context.Background(), "noop")
	span.End()
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordTokenIssued(context.Background(), "access", "authorization_code")

	rr := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "oauth_tokens_issued") {
		t.Errorf("scrape output missing oauth_tokens_issued:\n%s", body)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 5 },
		nil,
		func() int64 { return 7 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	got := collectGauges(t, reader)
	want := map[string]int64{
		"storage.clients.count":  3,
		"storage.codes.count":    5,
		"storage.families.count": 7,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
	if _, ok := got["storage.refresh_tokens.count"]; ok {
		t.Error("nil callback should not be observed")
	}
}

func TestRegisterVerificationKeysCallback(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if err := inst.RegisterVerificationKeysCallback(func() int64 { return 2 }); err != nil {
		t.Fatalf("RegisterVerificationKeysCallback() error = %v", err)
	}

	if got := collectGauges(t, reader)["oauth.keys.verification"]; got != 2 {
		t.Errorf("oauth.keys.verification = %d, want 2", got)
	}
}

func TestMetrics_Counters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()
	m.RecordGrantTransition(ctx, "client-a", "CodeIssued")
	m.RecordGrantTransition(ctx, "client-a", "Redeemed")
	m.RecordTokenIssued(ctx, "access", "authorization_code")
	m.RecordTokenIssued(ctx, "refresh", "authorization_code")
	m.RecordTokenReuseDetected(ctx)
	m.RecordKeyRotation(ctx, "manual")
	m.RecordKeysPruned(ctx, 2)
	m.RecordKeysPruned(ctx, 0)

	sums := collectSums(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"oauth.grant.transitions", 2},
		{"oauth.tokens.issued", 2},
		{"oauth.security.token_reuse_detected", 1},
		{"oauth.keys.rotations", 1},
		{"oauth.keys.pruned", 2},
	}
	for _, tt := range tests {
		if sums[tt.name] != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, sums[tt.name], tt.want)
		}
	}
}

func TestTracing_SpanExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	inst, err := New(Config{Enabled: true, SpanExporter: exporter})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("token").Start(context.Background(), "token.issue")
	AddGrantAttributes(span, "client-a", "client_credentials", "")
	AddTokenFamilyAttributes(span, "fam-1", 3)
	SetSpanSuccess(span)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs[AttrClientID].AsString() != "client-a" {
		t.Errorf("client_id attribute = %v", attrs[AttrClientID])
	}
	if _, ok := attrs[AttrScope]; ok {
		t.Error("empty scope should not be set")
	}
	if attrs[AttrTokenGeneration].AsInt64() != 3 {
		t.Errorf("generation attribute = %v", attrs[AttrTokenGeneration])
	}
}

func collectGauges(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, m := range collect(t, reader) {
		if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
			for _, dp := range g.DataPoints {
				out[m.Name] = dp.Value
			}
		}
	}
	return out
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, m := range collect(t, reader) {
		if s, ok := m.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range s.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var out []metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		out = append(out, sm.Metrics...)
	}
	return out
}
