package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"modelplane/internal/artifact"
	"modelplane/internal/model"
	"modelplane/pkg/api"
)

func testModel() *model.LinearRegression {
	return &model.LinearRegression{
		Kind:         model.Kind,
		Columns:      []string{"a", "b"},
		Coefficients: []float64{2, 3},
		Intercept:    1,
	}
}

func newTestServer(t *testing.T, m *model.LinearRegression, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Routes(NewHandlers(m, 2, nil, nil), opts))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		model          *model.LinearRegression
		endpoint       string
		expectedStatus int
	}{
		{"Healthz Always OK", nil, "/healthz", http.StatusOK},
		{"Readyz With Model", testModel(), "/readyz", http.StatusOK},
		{"Readyz Without Model", nil, "/readyz", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.model, Options{})
			resp, err := http.Get(srv.URL + tt.endpoint)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.expectedStatus)
			}
		})
	}
}

func TestInvocations(t *testing.T) {
	tests := []struct {
		name           string
		body           api.PredictRequest
		expectedStatus int
		expected       []float64
		errContains    string
	}{
		{
			name:           "Schema Order",
			body:           api.PredictRequest{Columns: []string{"a", "b"}, Data: [][]float64{{1, 1}, {0, 0}}},
			expectedStatus: http.StatusOK,
			expected:       []float64{6, 1},
		},
		{
			name:           "Reordered Columns",
			body:           api.PredictRequest{Columns: []string{"b", "a"}, Data: [][]float64{{1, 0}}},
			expectedStatus: http.StatusOK,
			expected:       []float64{4},
		},
		{
			name:           "Positional Without Columns",
			body:           api.PredictRequest{Data: [][]float64{{1, 0}}},
			expectedStatus: http.StatusOK,
			expected:       []float64{3},
		},
		{
			name:           "Empty Batch",
			body:           api.PredictRequest{Columns: []string{"a", "b"}, Data: [][]float64{}},
			expectedStatus: http.StatusOK,
			expected:       []float64{},
		},
		{
			name:           "Missing Column",
			body:           api.PredictRequest{Columns: []string{"a"}, Data: [][]float64{{1}}},
			expectedStatus: http.StatusUnprocessableEntity,
			errContains:    "missing",
		},
		{
			name:           "Wrong Width",
			body:           api.PredictRequest{Data: [][]float64{{1, 2, 3}}},
			expectedStatus: http.StatusUnprocessableEntity,
			errContains:    "input does not match model schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, testModel(), Options{})
			resp := postJSON(t, srv.URL+"/invocations", tt.body)

			if resp.StatusCode != tt.expectedStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				var e api.ErrorResponse
				if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
					t.Fatal(err)
				}
				if !strings.Contains(e.Error, tt.errContains) {
					t.Errorf("error = %q, want it to contain %q", e.Error, tt.errContains)
				}
				return
			}

			var out api.PredictResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatal(err)
			}
			if len(out.Predictions) != len(tt.expected) {
				t.Fatalf("got %d predictions, want %d", len(out.Predictions), len(tt.expected))
			}
			for i := range tt.expected {
				if out.Predictions[i] != tt.expected[i] {
					t.Errorf("prediction[%d] = %v, want %v", i, out.Predictions[i], tt.expected[i])
				}
			}
		})
	}
}

func TestInvocations_InvalidBody(t *testing.T) {
	srv := newTestServer(t, testModel(), Options{})
	resp, err := http.Post(srv.URL+"/invocations", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInvocations_NoModel(t *testing.T) {
	srv := newTestServer(t, nil, Options{})
	resp := postJSON(t, srv.URL+"/invocations", api.PredictRequest{Data: [][]float64{{1, 2}}})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	srv := newTestServer(t, testModel(), Options{RateLimit: 0.001, RateBurst: 1})
	body := api.PredictRequest{Data: [][]float64{{1, 2}}}

	first := postJSON(t, srv.URL+"/invocations", body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.StatusCode)
	}
	second := postJSON(t, srv.URL+"/invocations", body)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Probes bypass the limiter.
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitMiddleware_Unlimited(t *testing.T) {
	srv := newTestServer(t, testModel(), Options{})
	for i := 0; i < 20; i++ {
		resp := postJSON(t, srv.URL+"/invocations", api.PredictRequest{Data: [][]float64{{1, 2}}})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, resp.StatusCode)
		}
	}
}

func TestLoadModel(t *testing.T) {
	b, err := testModel().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	for _, uri := range []string{path, "file://" + path} {
		m, err := LoadModel(context.Background(), nil, uri)
		if err != nil {
			t.Fatalf("LoadModel(%s): %v", uri, err)
		}
		if len(m.Columns) != 2 || m.Intercept != 1 {
			t.Errorf("unexpected model: %+v", m)
		}
	}

	_, err = LoadModel(context.Background(), nil, filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := LoadModel(context.Background(), nil, "s3://bucket/key"); err == nil {
		t.Error("expected error without an s3 store")
	}
}
