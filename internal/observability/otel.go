package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultServiceName = "arcana-automation"
	defaultEndpoint    = "http://localhost:4317"
	defaultSampleRatio = 0.1
)

// SetupTracing 初始化 OpenTelemetry TracerProvider，返回关闭函数。
// 资源属性带上引擎配置，方便在链路里区分不同部署的调度参数
func SetupTracing(ctx context.Context, cfg *config.Config, version string) (func(context.Context) error, error) {
	tc := cfg.Monitoring.Tracing
	if !tc.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := tc.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpointHost(endpoint))}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(ResourceAttributes(cfg, version)...),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(tc.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// ResourceAttributes 服务身份加上自动化引擎的运行参数
func ResourceAttributes(cfg *config.Config, version string) []attribute.KeyValue {
	name := cfg.Monitoring.Tracing.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	ac := cfg.Automation
	attrs := []attribute.KeyValue{
		attribute.String("service.name", name),
		attribute.Bool("arcana.automation.enabled", ac.Enabled),
	}
	if version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	if ac.Enabled {
		attrs = append(attrs,
			attribute.String("arcana.automation.tick_interval", ac.TickInterval.String()),
			attribute.Int("arcana.automation.workers", ac.Workers),
			attribute.Int("arcana.automation.queue_size", ac.QueueSize),
			attribute.Bool("arcana.automation.revalidate_on_fire", ac.RevalidateOnFire),
		)
	}
	if p := cfg.Notification.Email.Provider; p != "" {
		attrs = append(attrs, attribute.String("arcana.notification.email_provider", p))
	}
	return attrs
}

func sampleRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return defaultSampleRatio
	}
	return r
}

// endpointHost 从 http://host:port 或 host:port 提取 gRPC 使用的 host:port
func endpointHost(s string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if rest, ok := strings.CutPrefix(s, scheme); ok && rest != "" {
			return rest
		}
	}
	return s
}
