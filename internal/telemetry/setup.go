// Package telemetry 配置编译流程使用的 OpenTelemetry tracer。
package telemetry

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc 刷新并关闭 tracer provider。
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracer 把 span 以 JSON 行写入 w，适合本地开发排查编译耗时。
// 未启用或导出器初始化失败时保持 otel 默认的 noop provider。
func InitTracer(enabled bool, serviceName string, w io.Writer, logger *logrus.Logger) ShutdownFunc {
	if !enabled {
		return noopShutdown
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if logger != nil {
			logger.WithField("action", "telemetry").WithError(err).Warn("tracer exporter init failed")
		}
		return noopShutdown
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}
