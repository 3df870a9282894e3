package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"ontour.app/internal/audit"
	"ontour.app/internal/auth"
	"ontour.app/internal/ids"
	"ontour.app/internal/obs"
	"ontour.app/internal/pipeline"
)

const (
	errorDomain         = "ontour.app"
	healthServicePrefix = "/grpc.health.v1.Health/"
)

// GRPCServer runs the tenancy pipeline in front of every gRPC method.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	composer  *pipeline.Composer
	readiness readinessChecker
	routes    map[string]pipeline.Route
	fallback  pipeline.Route
}

// GRPCOption configures GRPCServer.
type GRPCOption func(*GRPCServer)

// WithMethodRoute sets the requirements for one full method name, e.g. "/pkg.Svc/Method".
func WithMethodRoute(method string, route pipeline.Route) GRPCOption {
	return func(s *GRPCServer) {
		s.routes[method] = route
	}
}

// NewGRPCServer builds a server with the standard health service registered. Health methods
// are public; unknown methods require an authenticated, rate-limited tenant.
func NewGRPCServer(composer *pipeline.Composer, r readinessChecker, opts ...GRPCOption) *GRPCServer {
	if r == nil {
		r = ReadyCheck{}
	}
	s := &GRPCServer{
		health:    health.NewServer(),
		composer:  composer,
		readiness: r,
		routes:    make(map[string]pipeline.Route),
		fallback:  pipeline.Route{Name: "grpc.default", RateLimited: true},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryInterceptor),
		grpc.ChainStreamInterceptor(s.streamInterceptor),
		// Unregistered methods still run through the stream interceptor.
		grpc.UnknownServiceHandler(unknownMethod),
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Server exposes the underlying grpc.Server for Serve and additional registrations.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// RefreshHealth sets the overall serving status from the readiness checks.
func (s *GRPCServer) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Warn("grpc.not_ready", map[string]any{"error": err.Error()})
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// Stop drains in-flight RPCs.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *GRPCServer) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.admit(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *GRPCServer) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.admit(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &tenantStream{ServerStream: ss, ctx: ctx})
}

func (s *GRPCServer) admit(ctx context.Context, method string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	reqID := first(md, "x-request-id")
	if !validRequestID(reqID) {
		reqID = ids.New()
	}
	ctx = audit.WithRequestID(ctx, reqID)

	route, ok := s.routes[method]
	switch {
	case ok:
	case strings.HasPrefix(method, healthServicePrefix):
		route = pipeline.Route{Name: "grpc.health", Public: true}
	default:
		route = s.fallback
		route.Name = strings.TrimPrefix(method, "/")
	}
	res := s.composer.Evaluate(ctx, pipeline.Request{AuthHeader: first(md, "authorization"), Route: route})
	if res.Outcome != pipeline.Allowed {
		return nil, rejectionStatus(res.Rejection).Err()
	}
	if res.Quota != nil {
		_ = grpc.SetHeader(ctx, metadata.Pairs(
			"x-ratelimit-limit", strconv.Itoa(res.Quota.Limit),
			"x-ratelimit-remaining", strconv.Itoa(res.Quota.Remaining),
			"x-ratelimit-reset", strconv.FormatInt(res.Quota.ResetAt.Unix(), 10),
		))
	}
	if res.Tenant != nil {
		ctx = auth.ContextWithTenant(ctx, *res.Tenant)
	}
	return ctx, nil
}

func rejectionStatus(rej *pipeline.Rejection) *status.Status {
	if rej == nil {
		return status.New(codes.Internal, "internal error")
	}
	code := codes.Internal
	switch rej.HTTPStatus {
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	}
	info := &errdetails.ErrorInfo{Reason: rej.Code, Domain: errorDomain}
	if len(rej.Required) > 0 {
		info.Metadata = map[string]string{"required": strings.Join(rej.Required, ",")}
	}
	st := status.New(code, rej.Message)
	var (
		withDetails *status.Status
		err         error
	)
	if rej.HTTPStatus == http.StatusTooManyRequests {
		retry := &errdetails.RetryInfo{
			RetryDelay: durationpb.New(time.Duration(wholeSeconds(rej.RetryAfter)) * time.Second),
		}
		withDetails, err = st.WithDetails(info, retry)
	} else {
		withDetails, err = st.WithDetails(info)
	}
	if err != nil {
		return st
	}
	return withDetails
}

func unknownMethod(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

type tenantStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tenantStream) Context() context.Context { return s.ctx }

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
