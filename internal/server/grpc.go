package server

import (
	"context"
	"fmt"
	"net"
	"path"
	"time"

	"CustodyLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "custody.v1.Custody"

// unary builds a method descriptor that decodes Req and dispatches to call
// through the server's interceptor chain.
func unary[Req, Resp any](name string, call func(CustodyServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CustodyServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CustodyServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// CustodyServiceDesc describes custody.v1.Custody for grpc.ServiceRegistrar.
var CustodyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CustodyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", CustodyServer.Deposit),
		unary("Withdraw", CustodyServer.Withdraw),
		unary("Admit", CustodyServer.Admit),
		unary("Delist", CustodyServer.Delist),
		unary("SetAdmissionCap", CustodyServer.SetAdmissionCap),
		unary("SetWithdrawalCeiling", CustodyServer.SetWithdrawalCeiling),
		unary("TransferAuthority", CustodyServer.TransferAuthority),
		unary("GetBalance", CustodyServer.GetBalance),
		unary("GetPolicy", CustodyServer.GetPolicy),
		unary("GetAsset", CustodyServer.GetAsset),
		unary("QuoteUSD", CustodyServer.QuoteUSD),
		unary("ListRecords", CustodyServer.ListRecords),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterCustodyServer registers srv on s.
func RegisterCustodyServer(s grpc.ServiceRegistrar, srv CustodyServer) {
	s.RegisterService(&CustodyServiceDesc, srv)
}

// GRPCServer wraps the gRPC server with health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the custody service registered.
func NewGRPCServer(addr string, svc CustodyServer, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoveryInterceptor(logger),
		metricsInterceptor(metrics),
	))

	RegisterCustodyServer(grpcServer, svc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		log:        logger,
	}
}

// SetServing flips the gRPC health status alongside the HTTP readiness check.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start serves gRPC until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled (blocking).
// It returns only after GracefulStop has let pending RPCs finish.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil {
		return err
	}
	<-stopped
	return nil
}

// --- interceptors ---

func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.ObserveQuery(path.Base(info.FullMethod), status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// recoveryInterceptor logs and re-raises invariant panics. A FATAL panic
// means engine state can no longer be trusted, so the process must stop.
func recoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("handler panicked")
				panic(r)
			}
		}()
		return handler(ctx, req)
	}
}
