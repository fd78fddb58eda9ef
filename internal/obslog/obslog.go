// Package obslog configures structured JSON logging for the treasury core,
// adapted from the teacher's observability/logging setup.
package obslog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard library logger to emit structured JSON and
// returns the slog.Logger every component should log through. Every line
// carries the service name and, when set, the deployment environment. When
// TREASURY_LOG_FILE is set, output is duplicated to a size-rotated file
// alongside stdout.
func Setup(service, env string) *slog.Logger {
	out := io.Writer(os.Stdout)
	if path := strings.TrimSpace(os.Getenv("TREASURY_LOG_FILE")); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// SlogWarner adapts a *slog.Logger to the small Warnf interface the
// treasury/rebalance readers depend on for non-fatal per-asset diagnostics.
type SlogWarner struct {
	Logger *slog.Logger
}

func (w SlogWarner) Warnf(format string, args ...interface{}) {
	w.Logger.Warn(fmt.Sprintf(format, args...))
}
