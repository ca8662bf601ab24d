package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
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
			name: "enabled with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "prometheus exporter",
			config: Config{Enabled: true, MetricsExporter: ExporterPrometheus},
		},
		{
			name:    "unknown exporter",
			config:  Config{Enabled: true, MetricsExporter: "carrier-pigeon"},
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

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			// Shutdown is idempotent
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
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
	if inst.MetricsHandler() != nil {
		t.Error("MetricsHandler() should be nil without the prometheus exporter")
	}
}

func TestInstrumentation_NoOpProviders(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordAuthorizationStarted(ctx, "photoprint", false)
	m.RecordCodeIssued(ctx, "photoprint")
	m.RecordCodeExchange(ctx, "photoprint", true)
	m.RecordTokenRefresh(ctx, "photoprint", false)
	m.RecordClientLockedOut(ctx)

	_, span := inst.Tracer("server").Start(ctx, "test-span")
	span.End()
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordCodeIssued(ctx, "photoprint")
	inst.Metrics().RecordHTTPRequest(ctx, http.MethodPost, "token", http.StatusOK, 12.5)

	handler := inst.MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() returned nil with the prometheus exporter")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"oauth_code_issued", "oauth_http_requests_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(StorageSizeCallbacks{
		Clients:      func() int64 { return 3 },
		AccessTokens: func() int64 { return 7 },
	})
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "oauth_storage_clients_count") {
		t.Error("scrape output missing clients gauge")
	}
}

func TestTracing_SpanProcessor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{Enabled: true, SpanProcessor: recorder})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("server").Start(context.Background(), "server.exchange_code")
	AddGrantAttributes(span, "photoprint", "", "view_gallery")
	RecordError(span, errors.New("invalid_grant"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}

	var sawClient, sawUser bool
	for _, attr := range spans[0].Attributes() {
		switch string(attr.Key) {
		case AttrClientID:
			sawClient = attr.Value.AsString() == "photoprint"
		case AttrUserID:
			sawUser = true
		}
	}
	if !sawClient {
		t.Error("client_id attribute missing")
	}
	if sawUser {
		t.Error("empty user_id should not be recorded")
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	RecordError(nil, fmt.Errorf("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil)
	AddGrantAttributes(nil, "photoprint", "", "view_gallery")
}

func TestStorageAttributes(t *testing.T) {
	attrs := StorageAttributes("get_client", "postgres")
	if len(attrs) != 2 {
		t.Fatalf("len = %d, want 2", len(attrs))
	}
	if attrs[0].Key != AttrStorageOperation || attrs[0].Value.AsString() != "get_client" {
		t.Errorf("operation attribute = %v", attrs[0])
	}
	if attrs[1].Key != AttrStorageType || attrs[1].Value.AsString() != "postgres" {
		t.Errorf("type attribute = %v", attrs[1])
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{Enabled: true, ServiceName: "concurrent-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	done := make(chan bool)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				clientID := fmt.Sprintf("client-%d", id)
				inst.Metrics().RecordAuthorizationStarted(ctx, clientID, false)
				inst.Metrics().RecordCodeExchange(ctx, clientID, false)

				_, span := inst.Tracer("server").Start(ctx, "concurrent-span")
				span.End()
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
