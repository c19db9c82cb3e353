package observability

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/gigconnect/api/internal/platform/requestctx"
)

// Cloud Run and the Google front end send TRACE_ID/SPAN_ID;o=OPTIONS with a
// decimal span id.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var (
	tracer     = otel.Tracer("github.com/gigconnect/api/internal/platform/observability")
	propagator = propagation.TraceContext{}
)

// TraceMiddleware starts the server span for a request, continuing the caller's
// trace from X-Cloud-Trace-Context or W3C traceparent. The span is renamed to the
// matched route once RequestLoggerMiddleware knows it.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if parent, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
			} else {
				ctx = propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			ctx = requestctx.WithTrace(ctx, info)

			if sc.IsValid() {
				w.Header().Set(cloudTraceHeader, formatCloudTrace(sc))
			}
			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok || len(traceHex) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

// parseSpanID accepts the documented decimal form and, for older proxies, 16 hex digits.
func parseSpanID(value string) (trace.SpanID, bool) {
	var id trace.SpanID
	if n, err := strconv.ParseUint(value, 10, 64); err == nil {
		binary.BigEndian.PutUint64(id[:], n)
		return id, id.IsValid()
	}
	if len(value) == 16 {
		if parsed, err := trace.SpanIDFromHex(value); err == nil {
			return parsed, true
		}
	}
	return trace.SpanID{}, false
}

func formatCloudTrace(sc trace.SpanContext) string {
	spanID := sc.SpanID()
	sampled := 0
	if sc.IsSampled() {
		sampled = 1
	}
	return fmt.Sprintf("%s/%d;o=%d", sc.TraceID(), binary.BigEndian.Uint64(spanID[:]), sampled)
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLScheme(scheme),
		semconv.URLPath(r.URL.Path),
	}
	if r.Host != "" {
		attrs = append(attrs, semconv.ServerAddress(r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, semconv.UserAgentOriginal(ua))
	}
	return attrs
}
