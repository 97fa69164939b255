package api

import (
	"context"
	"fmt"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/homesense/event-resolver/internal/config"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "homesense.resolver.v1.ResolverEngine"

// ResolverEngineServer is the server API for the resolver engine. Messages are
// protobuf well-known types so clients need no generated stubs.
type ResolverEngineServer interface {
	IngestEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOpenResolutions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetResolution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseResolution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveNow(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRules(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterResolverEngineServer attaches srv to a gRPC registrar.
func RegisterResolverEngineServer(s grpc.ServiceRegistrar, srv ResolverEngineServer) {
	s.RegisterService(&ResolverEngineServiceDesc, srv)
}

// ResolverEngineServiceDesc describes the service for grpc.RegisterService.
var ResolverEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResolverEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IngestEvent", Handler: structHandler("IngestEvent", ResolverEngineServer.IngestEvent)},
		{MethodName: "ListOpenResolutions", Handler: structHandler("ListOpenResolutions", ResolverEngineServer.ListOpenResolutions)},
		{MethodName: "GetResolution", Handler: structHandler("GetResolution", ResolverEngineServer.GetResolution)},
		{MethodName: "CloseResolution", Handler: structHandler("CloseResolution", ResolverEngineServer.CloseResolution)},
		{MethodName: "ResolveNow", Handler: emptyHandler("ResolveNow", ResolverEngineServer.ResolveNow)},
		{MethodName: "ListRules", Handler: emptyHandler("ListRules", ResolverEngineServer.ListRules)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "homesense/resolver/v1/resolver.proto",
}

func structHandler(method string, call func(ResolverEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ResolverEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ResolverEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func emptyHandler(method string, call func(ResolverEngineServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ResolverEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ResolverEngineServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ResolverEngineClient is a thin client for the resolver engine service.
type ResolverEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewResolverEngineClient wraps an established connection.
func NewResolverEngineClient(cc grpc.ClientConnInterface) *ResolverEngineClient {
	return &ResolverEngineClient{cc: cc}
}

func (c *ResolverEngineClient) IngestEvent(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "IngestEvent", in, opts...)
}

func (c *ResolverEngineClient) ListOpenResolutions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListOpenResolutions", in, opts...)
}

func (c *ResolverEngineClient) GetResolution(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetResolution", in, opts...)
}

func (c *ResolverEngineClient) CloseResolution(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CloseResolution", in, opts...)
}

func (c *ResolverEngineClient) ResolveNow(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ResolveNow", &emptypb.Empty{}, opts...)
}

func (c *ResolverEngineClient) ListRules(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRules", &emptypb.Empty{}, opts...)
}

func (c *ResolverEngineClient) invoke(ctx context.Context, method string, in interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Server wraps the gRPC server implementation and lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer constructs a gRPC server bound to the configured address.
func NewServer(cfg config.ServerConfig, service ResolverEngineServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	RegisterResolverEngineServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)

	return &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		listener:   lis,
	}, nil
}

// Start serves incoming gRPC requests until Shutdown is invoked.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown attempts a graceful shutdown, falling back to Stop after timeout.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
