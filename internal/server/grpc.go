package server

import (
	"MarginWatch/internal/observability"
	"MarginWatch/internal/watcher"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Watcher is the part of *watcher.Watcher exposed over HTTP.
type Watcher interface {
	State() watcher.State
	Config() (watcher.Config, bool)
	LastReport() *watcher.TickReport
	RunTick(ctx context.Context) (*watcher.TickReport, error)
}

// Deps holds the dependencies of the servers.
type Deps struct {
	Watcher  Watcher
	Gatherer prometheus.Gatherer // nil means the default registry

	// AdminKey, when set, must be sent in the x-admin-key header to trigger
	// a tick.
	AdminKey string
}

// Server wraps the gRPC server (health + reflection), the HTTP gateway and
// the metrics endpoint.
type Server struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	metricsServer *http.Server
	grpcAddr      string
	httpAddr      string
	metricsAddr   string
	healthChecker *observability.HealthChecker
	deps          Deps
}

// New creates the servers. The gRPC health status starts NOT_SERVING and
// follows the HealthChecker returned by Health.
func New(grpcAddr, httpAddr, metricsAddr string, deps Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		metricsAddr:  metricsAddr,
		deps:         deps,
	}
	s.healthChecker = observability.NewHealthChecker(s.setServing)
	return s
}

// Health returns the readiness tracker backing /readyz and the gRPC health
// service.
func (s *Server) Health() *observability.HealthChecker {
	return s.healthChecker
}

func (s *Server) setServing(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: gateway routes plus health endpoints.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/watcher/status", s.handleStatus},
		{http.MethodGet, "/v1/watcher/report", s.handleReport},
		{http.MethodPost, "/v1/watcher/tick", s.handleTick},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
	httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartMetrics serves /metrics (blocking).
func (s *Server) StartMetrics(ctx context.Context) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	s.metricsServer = &http.Server{
		Addr:              s.metricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		s.metricsServer.Shutdown(shutCtx)
	}()

	log.Printf("INFO: Metrics server listening on %s/metrics", s.metricsAddr)
	if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
