// Package grpcserver exposes the scheduler trigger over gRPC.
//
// The service is declared by hand with a grpc.ServiceDesc and uses the
// well-known protobuf types, so no generated code is required:
//
//	jobmate.pipeline.v1.SchedulerService/RunScheduledChecks(google.protobuf.Empty) → google.protobuf.Struct
//
// Callers authenticate with an "authorization: Bearer <token>" metadata entry.
package grpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"jobmate/pipeline-service/internal/automation"
	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/logging"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "jobmate.pipeline.v1.SchedulerService"

// ChecksRunner runs one scheduler invocation.
type ChecksRunner interface {
	RunScheduledChecks(ctx context.Context) automation.Report
}

// SchedulerServer is the server API of SchedulerService.
type SchedulerServer interface {
	RunScheduledChecks(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes SchedulerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunScheduledChecks", Handler: runScheduledChecksHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pipeline/v1/scheduler.proto",
}

func runScheduledChecksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).RunScheduledChecks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RunScheduledChecks"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SchedulerServer).RunScheduledChecks(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements SchedulerServer.
type Server struct {
	runner ChecksRunner
}

// NewServer constructs a Server backed by runner.
func NewServer(runner ChecksRunner) *Server {
	return &Server{runner: runner}
}

// ─── RPC implementations ──────────────────────────────────────────────────────

// RunScheduledChecks evaluates every automation rule and returns the report
// as a Struct with the same shape as the HTTP JSON body.
func (s *Server) RunScheduledChecks(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report := s.runner.RunScheduledChecks(ctx)
	out, err := reportToStruct(report)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return out, nil
}

// ─── Server wiring ───────────────────────────────────────────────────────────

// New builds a grpc.Server with the scheduler and health services
// registered behind the token interceptor.
func New(runner ChecksRunner, token string) *grpc.Server {
	g := grpc.NewServer(grpc.ChainUnaryInterceptor(correlationInterceptor, authInterceptor(token)))
	g.RegisterService(&ServiceDesc, NewServer(runner))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)
	return g
}

// Serve listens on addr and blocks until the server stops.
func Serve(g *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	slog.Info("grpc server listening", "addr", addr)
	return g.Serve(lis)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// authInterceptor checks the bearer token before the handler runs. The
// health service stays open for liveness checks.
func authInterceptor(token string) grpc.UnaryServerInterceptor {
	want := []byte(token)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		got, err := bearerFromCtx(ctx)
		if err != nil {
			return nil, err
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid bearer token")
		}
		return handler(ctx, req)
	}
}

// correlationInterceptor reuses an x-correlation-id metadata value or mints one.
func correlationInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	id := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-correlation-id"); len(vals) > 0 {
			id = vals[0]
		}
	}
	if id == "" {
		id = logging.NewCorrelationID()
	}
	return handler(logging.WithCorrelationID(ctx, id), req)
}

// bearerFromCtx extracts the token from the authorization metadata.
func bearerFromCtx(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	tok, ok := strings.CutPrefix(vals[0], "Bearer ")
	if !ok {
		return "", status.Error(codes.Unauthenticated, "authorization must use the Bearer scheme")
	}
	return tok, nil
}

// toGRPCError maps domain errors to gRPC status errors.
func toGRPCError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, domain.ErrAlreadyExists) {
		return status.Error(codes.AlreadyExists, err.Error())
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return status.Error(codes.InvalidArgument, ve.Msg)
	}
	var ie *domain.IntegrityError
	if errors.As(err, &ie) {
		return status.Error(codes.FailedPrecondition, ie.Error())
	}
	return status.Error(codes.Internal, "internal server error")
}

// reportToStruct round-trips the report through its JSON form so the
// Struct matches the HTTP body field for field.
func reportToStruct(r automation.Report) (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return structpb.NewStruct(m)
}
