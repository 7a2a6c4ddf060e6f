package observability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func initMetrics(t *testing.T, serviceName string) *Metrics {
	t.Helper()
	m, err := InitMetrics(context.Background(), serviceName)
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestInitMetrics_ServiceResource(t *testing.T) {
	m := initMetrics(t, "modelplane-predictor")
	if m.Predictor == nil || m.Deployment == nil {
		t.Fatal("expected instruments to be registered")
	}

	body := scrape(t, m.Handler())
	if !strings.Contains(body, `service_name="modelplane-predictor"`) {
		t.Errorf("expected the service name in target_info, got:\n%s", body)
	}
}

func TestPredictorMetrics_RecordedInOutput(t *testing.T) {
	m := initMetrics(t, "predictor")

	done := m.Predictor.Begin(context.Background())
	done("ok", 7)

	body := scrape(t, m.Handler())
	for _, want := range []string{"modelplane_predict_requests_total", "modelplane_predicted_rows_total", `outcome="ok"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output, got:\n%s", want, body)
		}
	}
}

func TestDeploymentMetrics_RecordedInOutput(t *testing.T) {
	m := initMetrics(t, "mpctl")
	ctx := context.Background()

	m.Deployment.Decision(ctx, true)
	m.Deployment.Start(ctx, "timeout")
	m.Deployment.HealthCheck(ctx, false)
	m.Deployment.Lost(ctx)

	body := scrape(t, m.Handler())
	for _, want := range []string{
		"modelplane_deploy_decisions_total",
		`outcome="timeout"`,
		`modelplane_health_checks_total{healthy="false"`,
		"modelplane_services_lost_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output, got:\n%s", want, body)
		}
	}
}

func TestMetrics_PushToGateway(t *testing.T) {
	var method, path string
	var body []byte
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	m := initMetrics(t, "mpctl")
	m.Deployment.Decision(context.Background(), false)

	if err := m.Push(context.Background(), gateway.URL); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if method != http.MethodPut || path != "/metrics/job/mpctl" {
		t.Errorf("got %s %s, want PUT /metrics/job/mpctl", method, path)
	}
	if !bytes.Contains(body, []byte("modelplane_deploy_decisions_total")) {
		t.Error("expected the decision counter in the pushed payload")
	}
}

func TestMetrics_PushErrorStatus(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer gateway.Close()

	m := initMetrics(t, "mpctl")
	if err := m.Push(context.Background(), gateway.URL); err == nil {
		t.Fatal("expected an error from a rejecting gateway")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var p *PredictorMetrics
	p.Begin(context.Background())("ok", 1)

	var d *DeploymentMetrics
	ctx := context.Background()
	d.Decision(ctx, false)
	d.Start(ctx, "ok")
	d.HealthCheck(ctx, true)
	d.Lost(ctx)
}
