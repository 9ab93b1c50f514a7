// Package health serves liveness and readiness over HTTP and the standard
// grpc.health.v1.Health service.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name clients query for the scan
// API. The empty name reports overall server health.
const ServiceName = "limen.v1.Scan"

const checkTimeout = 3 * time.Second

// Check returns nil when a dependency is usable.
type Check func(ctx context.Context) error

type Checker struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	checks map[string]Check

	grpcHealth *health.Server
}

func New(log logrus.FieldLogger) *Checker {
	return &Checker{
		log:        log,
		checks:     make(map[string]Check),
		grpcHealth: health.NewServer(),
	}
}

// Add registers a readiness check under name.
func (c *Checker) Add(name string, fn Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Ready runs every check and returns per-check status ("ok" or the error).
func (c *Checker) Ready(ctx context.Context) (map[string]string, bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]Check, len(c.checks))
	for n, fn := range c.checks {
		names = append(names, n)
		checks[n] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	out := make(map[string]string, len(names))
	ok := true
	for _, n := range names {
		if err := checks[n](ctx); err != nil {
			out[n] = err.Error()
			ok = false
			continue
		}
		out[n] = "ok"
	}
	return out, ok
}

func (c *Checker) LiveHandler(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	results, ok := c.Ready(r.Context())
	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeStatus(w, code, map[string]any{"status": status, "checks": results})
}

func writeStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Refresh runs the checks once and publishes the outcome to gRPC health
// clients.
func (c *Checker) Refresh(ctx context.Context) bool {
	results, ok := c.Ready(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		c.log.WithField("checks", results).Warn("readiness check failed")
	}
	c.grpcHealth.SetServingStatus("", st)
	c.grpcHealth.SetServingStatus(ServiceName, st)
	return ok
}

// Watch refreshes the gRPC serving status every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Refresh(ctx)
		}
	}
}

// Register adds the health service to srv.
func (c *Checker) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, c.grpcHealth)
}

// Shutdown marks every service NOT_SERVING so load balancers drain first.
func (c *Checker) Shutdown() {
	c.grpcHealth.Shutdown()
}

// GRPCServer is a gRPC listener carrying only the health service.
type GRPCServer struct {
	srv  *grpc.Server
	addr string
}

func NewGRPCServer(addr string, c *Checker) *GRPCServer {
	srv := grpc.NewServer()
	c.Register(srv)
	return &GRPCServer{srv: srv, addr: addr}
}

func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	return g.srv.Serve(lis)
}

func (g *GRPCServer) Serve(lis net.Listener) error { return g.srv.Serve(lis) }

func (g *GRPCServer) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.srv.Stop()
	}
}
