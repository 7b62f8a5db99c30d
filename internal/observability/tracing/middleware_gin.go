package tracing

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Run it after the logging
// middleware so request and correlation ids are already on the context.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("creditmeter/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		var members []baggage.Member
		for key, value := range map[string]string{
			"request_id":     obscontext.RequestIDFromContext(ctx),
			"correlation_id": correlation.ExtractCorrelationID(ctx),
		} {
			if value == "" {
				continue
			}
			span.SetAttributes(attribute.String(key, value))
			if m, err := baggage.NewMember(key, value); err == nil {
				members = append(members, m)
			}
		}
		if bag, err := baggage.New(members...); err == nil && len(members) > 0 {
			ctx = baggage.ContextWithBaggage(ctx, bag)
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		if v := c.GetString(obscontext.GinKeyAccountID); v != "" {
			attrs = append(attrs, attribute.String("creditmeter.account_id", v))
		}
		if v := c.GetString(obscontext.GinKeyService); v != "" {
			attrs = append(attrs, attribute.String("creditmeter.service", v))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}
