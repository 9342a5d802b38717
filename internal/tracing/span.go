package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/torosent/streamfire/internal/sample"
)

// Span attribute keys.
const (
	AttrSampleID  = attribute.Key("streamfire.sample.id")
	AttrThread    = attribute.Key("streamfire.thread")
	AttrIteration = attribute.Key("streamfire.iteration")
	AttrMode      = attribute.Key("streamfire.mode")
	AttrRoute     = attribute.Key("streamfire.route")
	AttrBytes     = attribute.Key("streamfire.bytes")
	AttrLatencyMs = attribute.Key("streamfire.latency_ms")
)

// StartSampleSpan starts a client span covering one sample.
func StartSampleSpan(ctx context.Context, tracer trace.Tracer, protocol, mode, route string, res *sample.Result) (context.Context, trace.Span) {
	name := protocol + " " + mode
	if route != "" {
		name += " " + route
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("rpc.system", protocol),
		AttrMode.String(mode),
		AttrSampleID.String(res.ID.String()),
		AttrThread.Int(res.Thread),
		AttrIteration.Int64(res.Iteration),
	)
	if route != "" {
		span.SetAttributes(AttrRoute.String(route))
	}
	return ctx, span
}

// EndSampleSpan finishes a sample span with the result's accounting.
// err overrides the result's own error, e.g. for cancelled samples.
func EndSampleSpan(span trace.Span, res *sample.Result, err error) {
	if err == nil {
		err = res.Err()
	}
	EndSpan(span, err,
		AttrBytes.Int(res.Bytes()),
		AttrLatencyMs.Float64(float64(res.Latency().Microseconds())/1000),
	)
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers, such as a
// websocket handshake.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// grpcMetadataCarrier adapts grpc metadata.MD to the OTel TextMapCarrier interface.
type grpcMetadataCarrier metadata.MD

func (c grpcMetadataCarrier) Get(key string) string {
	vals := metadata.MD(c).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c grpcMetadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c grpcMetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectGRPCMetadata injects W3C trace context into gRPC metadata.
func InjectGRPCMetadata(ctx context.Context, md metadata.MD) {
	otel.GetTextMapPropagator().Inject(ctx, grpcMetadataCarrier(md))
}
