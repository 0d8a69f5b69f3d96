package grpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is the store connectivity check
type Pinger interface {
	Ping() error
}

// Broker reports whether a broker connection is open
type Broker interface {
	IsHealthy() bool
}

// HealthServer implements the gRPC health checking protocol
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	db      Pinger
	brokers []Broker
	log     *zap.Logger
}

// NewHealthServer creates a new health check server
func NewHealthServer(database Pinger, log *zap.Logger, brokers ...Broker) *HealthServer {
	return &HealthServer{
		db:      database,
		brokers: brokers,
		log:     log,
	}
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status()}, nil
}

// Watch sends the current status once
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	return server.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status()})
}

// Healthy is the same check for the HTTP probe
func (h *HealthServer) Healthy() bool {
	return h.status() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (h *HealthServer) status() grpc_health_v1.HealthCheckResponse_ServingStatus {
	// Check database
	if err := h.db.Ping(); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}

	// Check RabbitMQ
	for _, b := range h.brokers {
		if b == nil || !b.IsHealthy() {
			h.log.Error("RabbitMQ health check failed")
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}

	return grpc_health_v1.HealthCheckResponse_SERVING
}

// LoggingInterceptor logs all gRPC requests
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Call handler
		resp, err := handler(ctx, req)

		// Log request
		if err != nil {
			log.Error("gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
		} else {
			log.Debug("gRPC request completed",
				zap.String("method", info.FullMethod),
			)
		}

		return resp, err
	}
}
