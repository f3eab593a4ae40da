// Package tracing wraps pipeline stages in OpenTracing spans. It defaults
// to whatever opentracing.GlobalTracer() returns, which is a no-op tracer
// unless the process wires a real one, so spans cost nothing when no
// collector is configured.
package tracing

import (
	"context"

	"github.com/opentracing/opentracing-go"
)

// Stage starts a child span named name under ctx's active span (or a new
// root span if there is none) and returns a context carrying it and a
// finish function that records err, if any, before closing the span.
func Stage(ctx context.Context, name string) (context.Context, func(err *error)) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, name)
	return spanCtx, func(err *error) {
		if err != nil && *err != nil {
			span.SetTag("error", true)
			span.LogKV("event", "error", "message", (*err).Error())
		}
		span.Finish()
	}
}
