package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	egerr "github.com/edgegate/edgegate-core/pkg/errors"
)

// decisionContextKey is the context key for the pipeline's decision.
type decisionContextKey struct{}

// ContextWithDecision stores the pipeline's decision in ctx for
// downstream handlers.
func ContextWithDecision(ctx context.Context, d *AuthDecision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, d)
}

// DecisionFromContext returns the decision stored by the middleware.
func DecisionFromContext(ctx context.Context) (*AuthDecision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(*AuthDecision)
	return d, ok
}

// Middleware returns an HTTP middleware that runs the full
// authorization pipeline on every request.
//
// The middleware extracts the bearer token and client IP, calls
// [Gateway.AuthorizeRequest], and on success stores the [AuthDecision]
// in the request context. Failures are answered with the error's HTTP
// status and a JSON body; rate-limit and block errors carry Retry-After
// and X-RateLimit-Limit headers.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/orders/", handleOrders)
//	handler := gateway.Middleware(gw)(mux)
//	http.ListenAndServe(":8080", handler)
func Middleware(gw *Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, egerr.New(egerr.CodeAuthentication,
					"gateway: missing or malformed authorization header"))
				return
			}

			decision, err := gw.AuthorizeRequest(r.Context(), token, r.URL.Path, r.Method, clientIP(r))
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := ContextWithDecision(r.Context(), decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken pulls the token out of an Authorization header.
// Returns "" when the header is absent or not a bearer scheme.
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// clientIP resolves the caller's IP: the first X-Forwarded-For hop when
// present, otherwise the connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// errorResponse is the JSON error body the middleware writes.
type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError answers a failed pipeline with the error's status, retry
// headers, and JSON body.
func writeError(w http.ResponseWriter, err error) {
	e, ok := egerr.AsError(err)
	if !ok {
		e = egerr.Wrap(err, egerr.CodeInternal, "gateway: request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	if retry, ok := retryAfterSeconds(e); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	if limit, ok := e.Details["limit"].(int); ok {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	}
	w.WriteHeader(e.HTTPStatus())

	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Details,
	})
}

// retryAfterSeconds extracts the retry hint carried by rate-limit and
// block errors.
func retryAfterSeconds(e *egerr.Error) (int, bool) {
	if v, ok := e.Details["retry_after_seconds"].(int); ok && v > 0 {
		return v, true
	}
	if v, ok := e.Details["ttl_seconds"].(int); ok && v > 0 {
		return v, true
	}
	return 0, false
}
