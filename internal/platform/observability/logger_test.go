package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gigconnect/api/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	hook := EventLogger(zap.New(fallbackCore))
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore).With(zap.String("request_id", "req-1")))

	hook(ctx, "order.event.publish.failed", map[string]any{"order": "ord_1", "error": "timeout"})

	if fallbackLogs.Len() != 0 {
		t.Fatalf("expected fallback logger unused")
	}
	entries := requestLogs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for failures, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["event"] != "order.event.publish.failed" || fields["order"] != "ord_1" || fields["request_id"] != "req-1" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestEventLoggerFallsBackOutsideRequests(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	EventLogger(zap.New(core))(context.Background(), "dispute.evidence.orphaned", map[string]any{"count": 2})

	entries := logs.FilterMessage("dispute.evidence.orphaned").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected one info entry, got %+v", entries)
	}
}

func TestNewLoggerAcceptsUnknownLevel(t *testing.T) {
	logger, err := NewLogger("chatty")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected info level fallback")
	}
}
