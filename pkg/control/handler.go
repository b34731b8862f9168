package control

import (
	"context"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the empty
// (whole server) name
const ServiceName = "podpilot.entrypoint"

const shutdownTimeout = 5 * time.Second

// NewCoreLogger routes hsu-core's sprintf logging into logger
func NewCoreLogger(logger logging.Logger) corelogging.Logger {
	return corelogging.NewLogger("module: hsu-core , ", corelogging.LogFuncs{
		Debugf: logger.Debugf,
		Infof:  logger.Infof,
		Warnf:  logger.Warnf,
		Errorf: logger.Errorf,
	})
}

// HealthServer reports the supervisor's phase over the standard gRPC health
// protocol next to hsu-core's ping service. It starts NOT_SERVING and flips to
// SERVING at steady state.
type HealthServer struct {
	port       int
	server     corecontrol.Server
	health     *health.Server
	logger     logging.Logger
	coreLogger corelogging.Logger
}

func NewHealthServer(port int, logger logging.Logger) *HealthServer {
	logger = logger.WithComponent("control")
	h := &HealthServer{
		port:       port,
		health:     health.NewServer(),
		logger:     logger,
		coreLogger: NewCoreLogger(logger),
	}
	h.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// Start binds the port, registers the services and serves in the background
func (h *HealthServer) Start(ctx context.Context) error {
	server, err := corecontrol.NewServer(corecontrol.ServerOptions{Port: h.port}, h.coreLogger)
	if err != nil {
		return errors.NewIOError("failed to listen for health checks", err).WithContext("port", h.port)
	}

	corecontrol.RegisterGRPCServerHandler(server.GRPC(), coredomain.NewDefaultHandler(h.coreLogger), h.coreLogger)
	grpc_health_v1.RegisterHealthServer(server.GRPC(), h.health)

	server.Start(ctx)
	h.server = server

	h.logger.LogWithFields(logging.InfoLevel, "health endpoint listening", logging.Int("port", h.port))
	return nil
}

func (h *HealthServer) Port() int { return h.port }

// SetServing reports SERVING when serving is true and NOT_SERVING otherwise
func (h *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.setStatus(status)
	h.logger.LogWithFields(logging.DebugLevel, "health status changed", logging.String("status", status.String()))
}

func (h *HealthServer) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop marks the server NOT_SERVING and drains in-flight checks
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h.server.Shutdown(ctx)
	h.server = nil
}
