package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/SteelMorgan/log-shipper"

// Attribute keys shared by every shipping span
const (
	DestinationKey = attribute.Key("shipper.destination")
	BufferKey      = attribute.Key("shipper.buffer")
)

type spanAttrsKey struct{}

// WithShipper returns a context whose spans carry the shipper's destination
// and buffer prefix. Transport spans started from that context inherit them.
func WithShipper(ctx context.Context, destination, buffer string) context.Context {
	attrs := append(spanAttrs(ctx),
		DestinationKey.String(destination),
		BufferKey.String(buffer),
	)
	return context.WithValue(ctx, spanAttrsKey{}, attrs)
}

func spanAttrs(ctx context.Context) []attribute.KeyValue {
	attrs, _ := ctx.Value(spanAttrsKey{}).([]attribute.KeyValue)
	return append([]attribute.KeyValue(nil), attrs...)
}

// StartSpan starts a span for a shipping operation. Attributes attached with
// WithShipper come first; attrs are added after them.
func StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append(spanAttrs(ctx), attrs...)
	return otel.Tracer(tracerName).Start(ctx, operationName, trace.WithAttributes(all...))
}

// EndSpan ends span, marking it failed when err is set
func EndSpan(span trace.Span, err error, msg string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("%s: %v", msg, err))
	} else {
		span.SetStatus(codes.Ok, msg)
	}
	span.End()
}
