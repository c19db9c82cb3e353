// Package requestctx holds the values the HTTP middleware chain shares with
// handlers and services through the request context.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
	annotationsKey
)

var nop = zap.NewNop()

// TraceInfo is the trace a request belongs to. ProjectID is set when logs should
// link to Cloud Trace.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Annotations is filled in while the request travels down the chain and read by
// the outer middleware after the handler returns. Route groups authenticate after
// the request logger has started, so identity has to flow back up this way.
type Annotations struct {
	mu      sync.Mutex
	actorID string
	role    string
}

func (a *Annotations) SetActor(id, role string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.actorID, a.role = id, role
	a.mu.Unlock()
}

func (a *Annotations) Actor() (id, role string) {
	if a == nil {
		return "", ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actorID, a.role
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger, or a no-op logger outside a request.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return nop
}

// HasLogger reports whether a request logger was installed.
func HasLogger(ctx context.Context) bool {
	return Logger(ctx) != nop
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithAnnotations installs a fresh annotation slot.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	a := &Annotations{}
	return context.WithValue(ctx, annotationsKey, a), a
}

// AnnotationsFrom returns the slot installed upstream. The result may be nil;
// its methods are nil-safe.
func AnnotationsFrom(ctx context.Context) *Annotations {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(annotationsKey).(*Annotations)
	return a
}
