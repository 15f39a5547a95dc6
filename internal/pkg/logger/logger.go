// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base zerolog.Logger

func init() {
	// 默认输出 JSON 到 stderr，Init 之前也能安全使用
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init 初始化全局 logger。
// pretty 为 true 时使用人类可读的 ConsoleWriter（开发环境）。
func Init(serviceName string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out = os.Stderr
	if pretty {
		base = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", serviceName).Logger()
		return
	}
	base = zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()
}

// Logger 返回全局 logger。
func Logger() *zerolog.Logger {
	return &base
}

// Ctx 返回一个绑定了当前 trace 上下文的 logger。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id / span_id 字段，
// 方便在日志系统中与 Jaeger 里的链路互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return &base
	}
	l := base.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &l
}
