package gateway

import (
	"context"
	"net"
	"net/http"

	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// UnaryServerInterceptor returns a gRPC unary interceptor that runs the
// full authorization pipeline on every call. The method's full name
// stands in for the HTTP path and calls are matched as POST, so the
// permission spec declares gRPC endpoints as
// {path_pattern: "/orders.OrderService/GetOrder", method: "POST"}.
//
// On success the [AuthDecision] is stored in the handler's context.
func UnaryServerInterceptor(gw *Gateway) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authorizeGRPC(ctx, gw, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is [UnaryServerInterceptor] for streams; the
// stream is wrapped to carry the enriched context.
func StreamServerInterceptor(gw *Gateway) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authorizeGRPC(ss.Context(), gw, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// authorizeGRPC extracts the bearer token and peer address from the
// call and runs the pipeline.
func authorizeGRPC(ctx context.Context, gw *Gateway, fullMethod string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(grpccodes.Unauthenticated, "missing metadata")
	}

	var token string
	if values := md.Get("authorization"); len(values) > 0 {
		token = extractBearerToken(values[0])
	}
	if token == "" {
		return ctx, status.Error(grpccodes.Unauthenticated, "missing bearer token")
	}

	decision, err := gw.AuthorizeRequest(ctx, token, fullMethod, http.MethodPost, peerIP(ctx))
	if err != nil {
		return ctx, grpcStatusError(err)
	}
	return ContextWithDecision(ctx, decision), nil
}

// peerIP resolves the caller's IP from the gRPC peer.
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// grpcStatusError maps a pipeline error onto a gRPC status.
func grpcStatusError(err error) error {
	e, ok := egerr.AsError(err)
	if !ok {
		return status.Error(grpccodes.Internal, "request failed")
	}

	var code grpccodes.Code
	switch {
	case e.Code == egerr.CodeSpecNotFound:
		code = grpccodes.NotFound
	case e.Code == egerr.CodeRateLimitExceeded:
		code = grpccodes.ResourceExhausted
	case e.Code == egerr.CodeIPBlocked, e.Code == egerr.CodeAccountLocked:
		code = grpccodes.PermissionDenied
	case egerr.IsAuthentication(e), egerr.IsRotation(e):
		code = grpccodes.Unauthenticated
	case egerr.IsAuthorization(e), egerr.IsTenantPolicy(e):
		code = grpccodes.PermissionDenied
	case egerr.IsValidation(e):
		code = grpccodes.InvalidArgument
	case egerr.IsTimeout(e):
		code = grpccodes.DeadlineExceeded
	case egerr.IsUnavailable(e):
		code = grpccodes.Unavailable
	default:
		code = grpccodes.Internal
	}
	return status.Error(code, e.Message)
}

// wrappedServerStream carries the enriched context through a stream.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
