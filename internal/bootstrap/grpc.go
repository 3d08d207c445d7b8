package bootstrap

import (
	"context"
	"log/slog"
	"net"

	"github.com/eleven-am/voice-client/internal/transport"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SessionService is the gRPC health service name that tracks the voice session.
const SessionService = "voiceclient.Session"

func NewGRPCServer() *grpc.Server {
	return grpc.NewServer()
}

func ProvideHealthServer() *grpchealth.Server {
	hs := grpchealth.NewServer()
	hs.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

func RegisterHealthService(server *grpc.Server, hs *grpchealth.Server) {
	healthpb.RegisterHealthServer(server, hs)
}

// servingStatus maps a session phase onto gRPC health: only a ready session serves.
func servingStatus(p transport.Phase) healthpb.HealthCheckResponse_ServingStatus {
	if p == transport.PhaseReady {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func StartGRPCServer(lc fx.Lifecycle, server *grpc.Server, hs *grpchealth.Server, cfg *Config, logger *slog.Logger) {
	if cfg.GRPCAddr == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			go func() {
				logger.Info("gRPC health server starting", "addr", cfg.GRPCAddr)
				if err := server.Serve(lis); err != nil {
					logger.Error("gRPC server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hs.Shutdown()
			server.GracefulStop()
			return nil
		},
	})
}

var GRPCModule = fx.Options(
	fx.Provide(NewGRPCServer, ProvideHealthServer),
	fx.Invoke(RegisterHealthService),
	fx.Invoke(StartGRPCServer),
)
