package logging

import (
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tunes the logger built by NewLogger.
type Options struct {
	// FilePath enables a daily rotated JSON log file next to stdout when set.
	FilePath string
	MaxAge   time.Duration
}

// NewLogger builds a production ready structured logger.
func NewLogger(opts ...Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.FilePath == "" {
		return cfg.Build()
	}

	maxAge := o.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	writer, err := rotatelogs.New(
		o.FilePath+".%Y%m%d",
		rotatelogs.WithLinkName(o.FilePath),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, NewOperationError("logging.open_file", "", err)
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), zapcore.AddSync(writer), cfg.Level)
	return cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}
