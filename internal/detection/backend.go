package detection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"yolocam/internal/pipeline"
)

// BackendConfig holds the inference endpoint of every compute backend
type BackendConfig struct {
	Endpoints     map[pipeline.Backend]string
	HealthService string
	DialTimeout   time.Duration
	DialOptions   []grpc.DialOption
}

// GRPCBackendProvider opens a connection to the inference service that runs
// the requested compute backend. The connection is the backend context every
// worker of that backend is built on.
type GRPCBackendProvider struct {
	cfg    BackendConfig
	logger *zap.Logger
}

// NewGRPCBackendProvider creates a provider for the configured endpoints
func NewGRPCBackendProvider(cfg BackendConfig, logger *zap.Logger) *GRPCBackendProvider {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCBackendProvider{cfg: cfg, logger: logger.Named("backend")}
}

// Open dials the endpoint of kind and waits until the service reports SERVING
func (p *GRPCBackendProvider) Open(ctx context.Context, kind pipeline.Backend) (pipeline.BackendContext, error) {
	endpoint, ok := p.cfg.Endpoints[kind]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for backend %s", kind)
	}

	// Detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, p.cfg.DialOptions...)

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{
		Service: p.cfg.HealthService,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		conn.Close()
		return nil, fmt.Errorf("inference service %s is %s", endpoint, resp.GetStatus())
	}

	p.logger.Info("connected", zap.String("endpoint", endpoint), zap.Stringer("backend", kind))
	return &grpcBackend{kind: kind, endpoint: endpoint, conn: conn}, nil
}

type grpcBackend struct {
	kind     pipeline.Backend
	endpoint string
	conn     *grpc.ClientConn
}

func (b *grpcBackend) Kind() pipeline.Backend { return b.kind }

func (b *grpcBackend) Conn() grpc.ClientConnInterface { return b.conn }

func (b *grpcBackend) Close() error {
	return b.conn.Close()
}
