package control

import (
	"context"
	"io"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthGateway is the client side of the health endpoint, used by the
// container health probe
type HealthGateway struct {
	port   int
	conn   grpc.ClientConnInterface
	core   coredomain.Contract
	client grpc_health_v1.HealthClient
	logger logging.Logger
}

// NewHealthGateway attaches to a supervisor listening on the local port
func NewHealthGateway(port int, logger logging.Logger) (*HealthGateway, error) {
	coreLogger := NewCoreLogger(logger)
	connection, err := corecontrol.NewConnection(corecontrol.ConnectionOptions{AttachPort: port}, coreLogger)
	if err != nil {
		return nil, errors.NewNetworkError("failed to connect to health endpoint", err).WithContext("port", port)
	}
	conn := connection.GRPC()
	return &HealthGateway{
		port:   port,
		conn:   conn,
		core:   corecontrol.NewGRPCClientGateway(conn, coreLogger),
		client: grpc_health_v1.NewHealthClient(conn),
		logger: logger,
	}, nil
}

// Reachable pings the endpoint until it answers or attempts run out
func (gw *HealthGateway) Reachable(ctx context.Context, attempts int, interval time.Duration) error {
	options := coredomain.RetryPingOptions{
		RetryAttempts: attempts,
		RetryInterval: interval,
	}
	if err := coredomain.RetryPing(ctx, gw.core, options, NewCoreLogger(gw.logger)); err != nil {
		return errors.NewNetworkError("health endpoint unreachable", err).
			WithContext("port", gw.port).
			WithContext("attempts", attempts)
	}
	return nil
}

// Status returns the serving status of ServiceName
func (gw *HealthGateway) Status(ctx context.Context) (string, error) {
	response, err := gw.client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		gw.logger.Debugf("health check failed: %v", err)
		return "", errors.NewNetworkError("health check failed", err).WithContext("port", gw.port)
	}
	gw.logger.Debugf("health check done: %s", response.Status)
	return response.Status.String(), nil
}

// Serving reports whether the supervisor is at steady state
func (gw *HealthGateway) Serving(ctx context.Context) (bool, error) {
	status, err := gw.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == grpc_health_v1.HealthCheckResponse_SERVING.String(), nil
}

func (gw *HealthGateway) Close() error {
	if closer, ok := gw.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
