package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "vigilnet"

// Span attributes shared by the control plane.
var (
	SessionIDKey = attribute.Key("session.id")
	NodeIDKey    = attribute.Key("node.id")
	CameraIDKey  = attribute.Key("camera.id")
	PeerIDKey    = attribute.Key("peer.id")
	CommandKey   = attribute.Key("node.command")
)

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Provider owns the exporter pipeline. A disabled provider is a no-op and
// spans go to the global no-op tracer.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed provider and W3C propagation globally.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx failed. The message is err.Error(), so
// callers pass errors whose text is safe to export.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// TraceHTTPRequest opens a server span. route must be the route template.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceNodeCommand covers one command round trip to a media node.
func TraceNodeCommand(ctx context.Context, command, nodeID, sessionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{CommandKey.String(command), NodeIDKey.String(nodeID)}
	if sessionID != "" {
		attrs = append(attrs, SessionIDKey.String(sessionID))
	}
	return start(ctx, "node."+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func TraceSession(ctx context.Context, operation, sessionID string) (context.Context, trace.Span) {
	return start(ctx, "session."+operation, trace.WithAttributes(SessionIDKey.String(sessionID)))
}

func TraceWebRTC(ctx context.Context, operation, peerID, cameraID string) (context.Context, trace.Span) {
	return start(ctx, "webrtc."+operation,
		trace.WithAttributes(
			PeerIDKey.String(peerID),
			CameraIDKey.String(cameraID),
		),
	)
}
