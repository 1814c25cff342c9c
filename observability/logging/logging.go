// Package logging configures structured JSON logging for the domalend node.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RedactedValue replaces secret-bearing attributes in log output.
const RedactedValue = "[REDACTED]"

var secretKeys = map[string]struct{}{
	"signer_key":  {},
	"api_key":     {},
	"private_key": {},
}

// Setup configures the default slog logger to emit structured JSON and
// returns it. When filePath is non-empty, output is duplicated into a
// size-rotated file. Secret-bearing attribute keys are redacted.
func Setup(service, env, filePath string) *slog.Logger {
	var out io.Writer = os.Stdout
	if filePath = strings.TrimSpace(filePath); filePath != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			if _, secret := secretKeys[strings.ToLower(attr.Key)]; secret {
				return slog.String(attr.Key, RedactedValue)
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

	// Bridge the standard library logger so dependencies keep working.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
