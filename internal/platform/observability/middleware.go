package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gigconnect/api/internal/platform/auth"
	"github.com/gigconnect/api/internal/platform/httpx"
	"github.com/gigconnect/api/internal/platform/requestctx"
)

const (
	orderIDParam = "orderID"
	replayHeader = "X-Idempotent-Replay"
)

// InjectLoggerMiddleware makes logger the request logger for everything downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one completion line per request. Route, order id
// and actor are only known once routing and authentication ran, so they are read
// after the handler returns.
func RequestLoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, notes := requestctx.WithAnnotations(r.Context())
			traceInfo, _ := requestctx.Trace(ctx)

			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", logSafe(r.Method, 10)),
				zap.String("trace_id", traceInfo.TraceID),
			)
			if resource := cloudTraceResource(traceInfo); resource != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := remoteIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}
			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			defer func() {
				p := recover()
				status := rec.Status()
				if p != nil {
					status = http.StatusInternalServerError
				}
				route := routePattern(r)
				actorID, role := notes.Actor()
				orderID := routeParam(r, orderIDParam)

				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.SetName(r.Method + " " + route)
					attrs := []attribute.KeyValue{semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status)}
					if orderID != "" {
						attrs = append(attrs, attribute.String("order.id", orderID))
					}
					span.SetAttributes(attrs...)
					if status >= http.StatusInternalServerError {
						span.SetStatus(codes.Error, http.StatusText(status))
					}
				}

				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", rec.bytes),
				}
				if actorID != "" {
					fields = append(fields, zap.String("user_id", actorID), zap.String("role", role))
				}
				if orderID != "" {
					fields = append(fields, zap.String("order_id", orderID))
				}
				if rec.Header().Get(replayHeader) != "" {
					fields = append(fields, zap.Bool("idempotent_replay", true))
				}
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// AnnotateRequest runs inside authenticated route groups. It tags the request log
// line and the request logger with the caller.
func AnnotateRequest() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
				id, role := logSafe(identity.UID, 64), string(identity.Role)
				requestctx.AnnotationsFrom(ctx).SetActor(id, role)
				logger := requestctx.Logger(ctx).With(zap.String("user_id", id), zap.String("role", role))
				ctx = requestctx.WithLogger(ctx, logger)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware turns a panic into the JSON 500 envelope.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				ctx := r.Context()
				logger := fallback
				if requestctx.HasLogger(ctx) {
					logger = requestctx.Logger(ctx)
				}
				logger.Error("panic recovered", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return logSafe(pattern, 180)
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return logSafe(r.URL.Path, 180)
	}
	return "/"
}

// routeParam reads a URL parameter once routing has finished. The route context is
// shared with the subrouters that filled it in.
func routeParam(r *http.Request, name string) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return logSafe(rctx.URLParam(name), 64)
	}
	return ""
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return logSafe(addr, 64)
}

func cloudTraceResource(info requestctx.TraceInfo) string {
	if info.ProjectID == "" || info.TraceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
