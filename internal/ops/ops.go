package ops

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/metrics"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

var tracer = otel.Tracer("github.com/jimjrxieb/linkops/internal/ops")

// now is swapped in tests that need fixed timestamps.
var now = time.Now

func newID() string {
	return ulid.Make().String()
}

func logger() *zap.Logger {
	return zap.L().Named("ops")
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ops."+name)
}

// warn appends a warning, counts it and logs it. Warnings never fail the caller.
func warn(ws *[]errors.Warning, code errors.WarningCode, cause error, fields ...zap.Field) {
	w := errors.NewWarning(code, cause)
	*ws = append(*ws, w)
	metrics.Default().IncWarning(string(code))
	logger().Warn(w.Message, append(fields, zap.String("code", string(code)))...)
}

// clampPage applies list defaults and bounds.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// logContext bounds a best-effort record write. It is detached from the
// caller's cancellation so an abandoned request still leaves its trace.
func logContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// readContext bounds a best-effort read on the request path. Unlike
// logContext it keeps the caller's cancellation.
func readContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func routingOf(cfg *config.Config) *config.Routing {
	if cfg == nil || cfg.Routing == nil {
		return config.DefaultRouting()
	}
	return cfg.Routing
}
