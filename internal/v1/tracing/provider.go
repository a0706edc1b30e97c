// Package tracing stands up the OpenTelemetry SDK: an OTLP/gRPC exporter
// pointed at the collector, a batching provider, and W3C propagation.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultService = "echochat"

// InitTracer registers the global tracer provider against an OTLP/gRPC
// collector. The returned provider must be shut down on exit so buffered
// spans flush. Collector TLS is on by default; OTEL_PLAINTEXT and
// OTEL_INSECURE_SKIP_VERIFY loosen it for development collectors.
func InitTracer(ctx context.Context, serviceName string, collectorAddr string) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		serviceName = defaultService
	}

	conn, err := grpc.NewClient(collectorAddr, grpc.WithTransportCredentials(collectorCreds()))
	if err != nil {
		return nil, fmt.Errorf("dial collector %s: %w", collectorAddr, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("build otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", deployEnv()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

func collectorCreds() credentials.TransportCredentials {
	if os.Getenv("OTEL_PLAINTEXT") == "true" {
		return insecure.NewCredentials()
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true" {
		tlsConfig.InsecureSkipVerify = true
	}
	return credentials.NewTLS(tlsConfig)
}

func deployEnv() string {
	if env := os.Getenv("DEPLOY_ENV"); env != "" {
		return env
	}
	return "development"
}
