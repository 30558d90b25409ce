// Package grpc implements the gRPC transport for parley.
//
// The gRPC server carries the standard health service. Besides the overall
// status it reports one service per guarded dependency ("parley.llm",
// "parley.tts", "parley.stt"), NOT_SERVING while that dependency's circuit
// is open, so load balancers and call routers can steer new calls away from
// a degraded instance.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/transport"
)

// ServiceName is the health service name reported for a dependency.
func ServiceName(dependency string) string {
	return "parley." + dependency
}

// Transport implements transport.Transport over gRPC.
type Transport struct {
	port   int
	server *grpc.Server
	health *health.Server
}

// New creates a new gRPC transport on the given port.
func New(port int) *Transport {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(10*1024*1024),
		grpc.ConnectionTimeout(30*time.Second),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &Transport{port: port, server: s, health: hs}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "grpc" }

// Listen starts the gRPC server. It blocks until the context is cancelled.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return t.Serve(ctx, lis, handler)
}

// Serve runs the server on lis. The dependency statuses start from the
// handler's current breaker states.
func (t *Transport) Serve(ctx context.Context, lis net.Listener, handler transport.Handler) error {
	t.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, name := range handler.CircuitNames() {
		t.setStatus(name, handler.CircuitStats(name).State)
	}

	slog.Info("grpc transport listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("grpc transport shutting down")
		t.health.Shutdown()
		t.server.GracefulStop()
	}()

	return t.server.Serve(lis)
}

// OnStateChange mirrors breaker transitions into the health service. It is
// meant to be registered with breaker.Registry.OnStateChange.
func (t *Transport) OnStateChange(name string, _, to breaker.State) {
	t.setStatus(name, to)
}

func (t *Transport) setStatus(name string, state breaker.State) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if state == breaker.Open {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	t.health.SetServingStatus(ServiceName(name), status)
}

// Close gracefully stops the gRPC server.
func (t *Transport) Close() error {
	t.health.Shutdown()
	t.server.GracefulStop()
	return nil
}
