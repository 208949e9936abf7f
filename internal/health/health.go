// Package health publishes readiness through the standard gRPC health
// service.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rampart.dev/internal/obs"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// Monitor evaluates probes on an interval and mirrors the results into a
// gRPC health server and the rampart_ready gauge. The empty service name
// reports SERVING only when every probe passes.
type Monitor struct {
	srv      *health.Server
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	probes map[string]Probe
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		srv:      health.NewServer(),
		interval: interval,
		timeout:  interval / 2,
		probes:   make(map[string]Probe),
	}
}

// Add registers a probe for service. Until the first check the service
// reports NOT_SERVING.
func (m *Monitor) Add(service string, p Probe) {
	m.mu.Lock()
	m.probes[service] = p
	m.mu.Unlock()
	m.srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Register attaches the health service to s.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.srv)
}

// Server exposes the underlying health server.
func (m *Monitor) Server() *health.Server { return m.srv }

// Check runs every probe once and publishes the results.
func (m *Monitor) Check(ctx context.Context) map[string]error {
	m.mu.Lock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(m.probes))
	for k, v := range m.probes {
		probes[k] = v
	}
	m.mu.Unlock()
	sort.Strings(names)

	results := make(map[string]error, len(names))
	all := true
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := probes[name](pctx)
		cancel()
		results[name] = err
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			all = false
			obs.Warn("readiness probe failed", map[string]any{"service": name, "error": err.Error()})
		}
		m.srv.SetServingStatus(name, status)
		obs.SetReady(name, err == nil)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !all {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.srv.SetServingStatus("", overall)
	return results
}

// Run checks on every tick until ctx is done, then marks everything
// NOT_SERVING so clients drain before the listener closes.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	tick := time.NewTicker(m.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			m.srv.Shutdown()
			return nil
		case <-tick.C:
			m.Check(ctx)
		}
	}
}
