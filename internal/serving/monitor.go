package serving

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"modelplane/internal/store"

	"github.com/google/uuid"
)

// MonitorConfig holds configuration for the health monitor.
type MonitorConfig struct {
	PollInterval time.Duration // Interval between checks after a failure (default: 5s)
	MaxBackoff   time.Duration // Maximum interval while everything is healthy (default: 1m)
	// Consecutive failed probes before a service is declared lost (default: 3)
	FailureThreshold int
}

// Monitor watches the RUNNING services of one key and stops the ones whose
// instance no longer answers, so the next Start relaunches them.
type Monitor struct {
	deployer *Deployer
	key      store.ServiceKey
	config   MonitorConfig
	client   *http.Client

	failures map[uuid.UUID]int
}

// NewMonitor creates a monitor for key.
func NewMonitor(d *Deployer, key store.ServiceKey, config MonitorConfig) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = time.Minute
		if config.MaxBackoff < config.PollInterval {
			config.MaxBackoff = config.PollInterval
		}
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}

	return &Monitor{
		deployer: d,
		key:      key,
		config:   config,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		failures: make(map[uuid.UUID]int),
	}
}

// Run checks the services until the context is cancelled. The interval doubles
// while every service is healthy and resets after a failed probe.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("Monitor for %s starting, failure threshold %d", m.key, m.config.FailureThreshold)

	currentBackoff := m.config.PollInterval
	for {
		unhealthy, err := m.Check(ctx)
		if err != nil {
			log.Printf("Health check error: %v", err)
		}

		if unhealthy > 0 || err != nil {
			currentBackoff = m.config.PollInterval
		} else {
			currentBackoff = currentBackoff * 2
			if currentBackoff > m.config.MaxBackoff {
				currentBackoff = m.config.MaxBackoff
			}
		}

		select {
		case <-ctx.Done():
			log.Println("Context cancelled, monitor stopping")
			return ctx.Err()
		case <-time.After(currentBackoff):
		}
	}
}

// Check probes every RUNNING service once and returns how many failed.
// A service that reaches the failure threshold is stopped.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	records, err := m.deployer.registry.Find(ctx, store.Query{ServiceKey: m.key, Running: store.RunningOnly})
	if err != nil {
		return 0, err
	}

	seen := make(map[uuid.UUID]bool, len(records))
	unhealthy := 0
	for _, rec := range records {
		seen[rec.ID] = true

		err := m.probe(ctx, rec.Endpoint.URL)
		m.deployer.opts.Metrics.HealthCheck(ctx, err == nil)
		if err == nil {
			delete(m.failures, rec.ID)
			continue
		}
		unhealthy++
		m.failures[rec.ID]++
		log.Printf("Service %s failed health check (%d/%d): %v", rec.ID, m.failures[rec.ID], m.config.FailureThreshold, err)

		if m.failures[rec.ID] < m.config.FailureThreshold {
			continue
		}

		reason := fmt.Sprintf("instance lost: %d consecutive failed health checks", m.failures[rec.ID])
		if err := m.deployer.Service(rec).stopWithReason(ctx, reason); err != nil {
			log.Printf("Failed to stop lost service %s: %v", rec.ID, err)
			continue
		}
		delete(m.failures, rec.ID)
		m.deployer.opts.Metrics.Lost(ctx)
		log.Printf("Service %s marked STOPPED: %s", rec.ID, reason)
	}

	// Forget services stopped elsewhere.
	for id := range m.failures {
		if !seen[id] {
			delete(m.failures, id)
		}
	}
	return unhealthy, nil
}

func (m *Monitor) probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
