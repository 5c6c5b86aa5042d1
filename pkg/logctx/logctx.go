package logctx

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ctxKey string

const (
	loggerKey ctxKey = "logger"
	// TraceIDKey and ExternalIDKey are also set on gin.Context under the same string names.
	TraceIDKey    = "traceID"
	ExternalIDKey = "external_id"
)

// FromGin returns a request-scoped logger from gin.Context if present,
// otherwise returns the provided base logger.
func FromGin(c *gin.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return base
	}
	if l, ok := c.Get("logger"); ok {
		if lg, ok := l.(*zap.SugaredLogger); ok && lg != nil {
			return lg
		}
	}
	if c.Request == nil {
		return base
	}
	return FromCtx(c.Request.Context(), base)
}

// With stores lg in ctx so that FromCtx picks it up downstream.
func With(ctx context.Context, lg *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey, lg)
}

// WithJob returns a context carrying a logger tagged with the job name and run id.
func WithJob(ctx context.Context, base *zap.SugaredLogger, job, runID string) (context.Context, *zap.SugaredLogger) {
	lg := FromCtx(ctx, base).With("job", job, "run_id", runID)
	return With(ctx, lg), lg
}

// FromCtx returns a logger from context if set, otherwise attempts to enrich
// base with trace_id/external_id from context values.
func FromCtx(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if ctx == nil {
		return base
	}
	if lg, ok := ctx.Value(loggerKey).(*zap.SugaredLogger); ok && lg != nil {
		return lg
	}
	var fields []interface{}
	if tid, ok := ctx.Value(TraceIDKey).(string); ok && tid != "" {
		fields = append(fields, "trace_id", tid)
	}
	if eid, ok := ctx.Value(ExternalIDKey).(int64); ok && eid != 0 {
		fields = append(fields, "external_id", eid)
	}
	if len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}
