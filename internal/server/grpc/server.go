package grpc

import (
	"context"
	"net"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/dmitrijs2005/budgetsync/internal/logging"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

type GRPCServer struct {
	address   string
	sync      *services.SyncService
	logger    logging.Logger
	jwtSecret []byte
	srv       *grpc.Server
	web       *grpcweb.WrappedGrpcServer
}

// NewGRPCServer builds the server and registers the sync service. metrics
// may be nil; when set it must already be registered with a prometheus
// registry.
func NewGRPCServer(a string, l logging.Logger, sync *services.SyncService, secretKey string, metrics *grpcprom.ServerMetrics) *GRPCServer {
	s := &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		sync:      sync,
		jwtSecret: []byte(secretKey),
	}

	unary := []grpc.UnaryServerInterceptor{s.accessTokenInterceptor}
	stream := []grpc.StreamServerInterceptor{s.streamAccessTokenInterceptor}
	if metrics != nil {
		unary = append([]grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor()}, unary...)
		stream = append([]grpc.StreamServerInterceptor{metrics.StreamServerInterceptor()}, stream...)
	}

	s.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.srv.RegisterService(&SyncServiceDesc, s)
	if metrics != nil {
		metrics.InitializeMetrics(s.srv)
	}

	s.web = grpcweb.WrapServer(s.srv,
		grpcweb.WithOriginFunc(func(string) bool { return true }),
		grpcweb.WithWebsockets(false),
	)
	return s
}

// WebHandler serves grpc-web requests and returns false for anything else.
func (s *GRPCServer) WebHandler() func(w http.ResponseWriter, r *http.Request) bool {
	return func(w http.ResponseWriter, r *http.Request) bool {
		if s.web.IsGrpcWebRequest(r) || s.web.IsAcceptableGrpcCorsRequest(r) {
			s.web.ServeHTTP(w, r)
			return true
		}
		return false
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := s.srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
