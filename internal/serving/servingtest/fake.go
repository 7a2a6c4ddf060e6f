// Package servingtest provides an in-process serving runtime for tests.
package servingtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"modelplane/internal/artifact"
	"modelplane/internal/data"
	"modelplane/internal/model"
	"modelplane/internal/predictor"
	"modelplane/internal/serving/runtime"
)

// FakeRuntime serves models with the real predictor handlers on httptest servers.
type FakeRuntime struct {
	mu      sync.Mutex
	next    int
	handles map[string]*FakeHandle

	// FailStart makes Start return this error.
	FailStart error
	// Unhealthy makes new instances answer 503 on /healthz.
	Unhealthy bool
	// StartDelay holds every Start before it launches, widening race windows.
	StartDelay time.Duration
	// Starts counts Start calls.
	Starts int
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{handles: make(map[string]*FakeHandle)}
}

func (f *FakeRuntime) Name() string { return "fake" }

// Start loads the model synchronously. A model that cannot be loaded yields
// an instance that has already exited with code 1.
func (f *FakeRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Starts++
	if f.FailStart != nil {
		return nil, f.FailStart
	}

	f.next++
	h := &FakeHandle{
		ref:  fmt.Sprintf("fake-%d", f.next),
		done: make(chan struct{}),
	}

	m, err := predictor.LoadModel(ctx, nil, opts.ModelURI)
	if err != nil {
		h.endpoint = "http://127.0.0.1:1"
		h.logs = err.Error()
		h.result = runtime.ExitResult{ExitCode: 1, Error: err}
		close(h.done)
		f.handles[h.ref] = h
		return h, nil
	}

	routes := predictor.Routes(predictor.NewHandlers(m, opts.Workers, nil, nil), predictor.Options{})
	if f.Unhealthy {
		routes = unhealthy(routes)
	}
	h.server = httptest.NewServer(routes)
	h.endpoint = h.server.URL
	h.logs = "serving " + opts.ModelURI
	f.handles[h.ref] = h
	return h, nil
}

// Attach looks up an instance by ref.
func (f *FakeRuntime) Attach(ctx context.Context, ref string) (runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", runtime.ErrUnknownRef, ref)
	}
	return h, nil
}

// Launches returns the number of Start calls so far.
func (f *FakeRuntime) Launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Starts
}

// Running returns the number of instances that have not exited.
func (f *FakeRuntime) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if !h.exited() {
			n++
		}
	}
	return n
}

// Close stops every instance.
func (f *FakeRuntime) Close() {
	f.mu.Lock()
	handles := make([]*FakeHandle, 0, len(f.handles))
	for _, h := range f.handles {
		handles = append(handles, h)
	}
	f.mu.Unlock()
	for _, h := range handles {
		h.Stop(context.Background())
	}
}

func unhealthy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FakeHandle is an instance of FakeRuntime.
type FakeHandle struct {
	ref      string
	endpoint string
	server   *httptest.Server
	logs     string

	once   sync.Once
	done   chan struct{}
	result runtime.ExitResult
}

func (h *FakeHandle) Ref() string      { return h.ref }
func (h *FakeHandle) Endpoint() string { return h.endpoint }

func (h *FakeHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return runtime.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *FakeHandle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		if h.server != nil {
			h.server.Close()
		}
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	})
	return nil
}

func (h *FakeHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.logs)), nil
}

func (h *FakeHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// TestModel is a linear model over the feature columns whose prediction is
// the sum of the row plus one.
func TestModel() *model.LinearRegression {
	coef := make([]float64, len(data.FeatureColumns))
	for i := range coef {
		coef[i] = 1
	}
	return &model.LinearRegression{
		Kind:         model.Kind,
		Columns:      append([]string(nil), data.FeatureColumns...),
		Coefficients: coef,
		Intercept:    1,
	}
}

// WriteModel stores m in a local artifact store under dir.
func WriteModel(t testing.TB, dir string, m *model.LinearRegression) artifact.ModelHandle {
	t.Helper()
	store, err := artifact.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("failed to create artifact store: %v", err)
	}
	b, err := m.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal model: %v", err)
	}
	handle, err := store.Put(context.Background(), "model", b)
	if err != nil {
		t.Fatalf("failed to store model: %v", err)
	}
	return handle
}

var _ runtime.Runtime = (*FakeRuntime)(nil)

// ErrInjected is a convenience error for FailStart.
var ErrInjected = errors.New("injected failure")
