/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package health provides health checking for excalmq.

CHECKS:
=======
A Checker runs named checks and folds their results into one status:

	healthy   every check passed
	degraded  at least one check degraded, none unhealthy
	unhealthy at least one check failed

GRPC SERVICE:
=============
Server publishes the folded status through the standard grpc.health.v1
service, both for the whole server ("") and for the MTP service name, so
load balancers and orchestrators can probe the broker without speaking MTP.
*/
package health

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sort"
	"sync"
	"time"

	"excalmq/internal/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the broker.
const ServiceName = "excalmq.MTP"

// Status is the result of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one check.
type CheckFunc func() CheckResult

// Response is the folded result of all checks.
type Response struct {
	Status  Status                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  time.Duration          `json:"uptime"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Checker holds the registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	version string
	started time.Time
}

// NewChecker creates a checker reporting the given server version.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		version: version,
		started: time.Now(),
	}
}

// RegisterCheck adds or replaces the check called name.
func (c *Checker) RegisterCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunChecks runs every check and folds the results. The worst status wins.
func (c *Checker) RunChecks() Response {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	resp := Response{
		Status:  StatusHealthy,
		Version: c.version,
		Uptime:  time.Since(c.started),
		Checks:  make(map[string]CheckResult, len(names)),
	}
	for _, name := range names {
		result := checks[name]()
		resp.Checks[name] = result
		if result.Status.severity() > resp.Status.severity() {
			resp.Status = result.Status
		}
	}
	return resp
}

// IsHealthy reports whether every check passed.
func (c *Checker) IsHealthy() bool {
	return c.RunChecks().Status == StatusHealthy
}

// ErrorCheck is unhealthy whenever probe returns an error.
func ErrorCheck(probe func() error) CheckFunc {
	return func() CheckResult {
		if err := probe(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// CapacityCheck is degraded once active reaches limit. A limit of zero
// means unlimited.
func CapacityCheck(limit int, active func() int) CheckFunc {
	return func() CheckResult {
		n := active()
		if limit > 0 && n >= limit {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%d of %d connections in use", n, limit)}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// MemoryCheck is degraded when usage returns more than limit bytes.
func MemoryCheck(limit uint64, usage func() uint64) CheckFunc {
	return func() CheckResult {
		if used := usage(); used > limit {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("heap %d bytes exceeds %d", used, limit)}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// HeapInUse reports the bytes of in-use heap spans.
func HeapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Server serves grpc.health.v1 and reflection.
type Server struct {
	checker  *Checker
	interval time.Duration
	health   *health.Server
	grpc     *grpc.Server
	logger   *logging.Logger
}

// NewServer creates a health server that re-runs checker every interval.
func NewServer(checker *Checker, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		checker:  checker,
		interval: interval,
		health:   hs,
		grpc:     gs,
		logger:   logging.NewLogger("health"),
	}
}

func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == StatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Refresh runs the checks once and publishes the result.
func (s *Server) Refresh() Response {
	resp := s.checker.RunChecks()
	st := servingStatus(resp.Status)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	if resp.Status != StatusHealthy {
		s.logger.Warn("Health degraded", "status", string(resp.Status))
	}
	return resp
}

// Serve serves on lis until ctx is cancelled. Statuses are marked
// NOT_SERVING before the listener stops.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh()

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Refresh()
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		}
	}
}

// Run listens on addr and calls Serve.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	s.logger.Info("Starting health server", "addr", lis.Addr().String())
	return s.Serve(ctx, lis)
}
