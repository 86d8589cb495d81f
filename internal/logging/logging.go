// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const scopeName = "github.com/cimillas/stockroom"

type Options struct {
	Level  string
	Format string // json or console
	// OTel tees every entry into the global OpenTelemetry logger provider.
	OTel    bool
	Service string
	Output  io.Writer
}

func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), level)

	if opts.OTel {
		otelCore := otelzap.NewCore(scopeName, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
		core = zapcore.NewTee(core, levelFilter{Core: otelCore, level: level})
	}

	zopts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.Service != "" {
		zopts = append(zopts, zap.Fields(zap.String("service.name", opts.Service)))
	}
	return zap.New(core, zopts...), nil
}

// levelFilter applies the configured level to a core that has none of its own.
type levelFilter struct {
	zapcore.Core
	level zapcore.Level
}

func (f levelFilter) Enabled(l zapcore.Level) bool {
	return l >= f.level && f.Core.Enabled(l)
}

func (f levelFilter) With(fields []zapcore.Field) zapcore.Core {
	return levelFilter{Core: f.Core.With(fields), level: f.level}
}

func (f levelFilter) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !f.Enabled(e.Level) {
		return ce
	}
	return f.Core.Check(e, ce)
}
