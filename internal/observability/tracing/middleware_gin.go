package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/duka/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Route kinds tag spans so callback traffic from Safaricom can be separated
// from storefront and operator traffic without parsing routes.
const (
	RouteKindStorefront = "storefront"
	RouteKindCallback   = "callback"
	RouteKindCron       = "cron"
	RouteKindAdmin      = "admin"
)

// GinMiddleware opens a server span per request. Health checks and the Prometheus
// scrape endpoint are left untraced.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("duka/http")
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		kind := RouteKind(path)
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("duka.route.kind", kind)),
		)
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
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
		}
		if orderID := c.GetString("order_id"); orderID != "" {
			attrs = append(attrs, attribute.String("duka.order_id", orderID))
		}
		if reason := c.Writer.Header().Get("X-Rate-Limited-Reason"); reason != "" {
			attrs = append(attrs, attribute.String("duka.rate_limit.scope", reason))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		// Callbacks always answer 200 to Safaricom, so a failed settlement
		// only shows up as a handler error.
		if status >= http.StatusInternalServerError || (kind == RouteKindCallback && len(c.Errors) > 0) {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

// RouteKind classifies a request path.
func RouteKind(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/payments/callbacks/"), strings.HasPrefix(path, "/api/payments/c2b/"):
		return RouteKindCallback
	case strings.HasPrefix(path, "/api/cron/"):
		return RouteKindCron
	case strings.HasPrefix(path, "/admin/"):
		return RouteKindAdmin
	default:
		return RouteKindStorefront
	}
}
