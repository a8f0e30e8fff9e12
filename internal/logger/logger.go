package logger

import (
	"context"
	"strings"

	"factory-routing/internal/util"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 根据配置构建 zap 日志器
// format 为 json 时使用生产配置，其余情况使用便于阅读的控制台输出
func New(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(format, "json") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// WithTrace 如果 context 中带有 Trace ID，则附加到日志字段
func WithTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		return l.With(zap.String("trace_id", traceID))
	}
	return l
}
