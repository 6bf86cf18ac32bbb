package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// levelFor picks the minimum level from the deployment environment. Local
// runs get debug output; everything else starts at info.
func levelFor(env string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "local", "dev":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})
}

func baseAttrs(service, env string) []slog.Attr {
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return attrs
}

// New builds a JSON logger writing to w, tagged with the service name and
// environment. Tests pass a buffer; Setup wires it to stdout.
func New(w io.Writer, service, env string) *slog.Logger {
	handler := newHandler(w, levelFor(env))
	args := make([]any, 0, 2)
	for _, attr := range baseAttrs(service, env) {
		args = append(args, attr)
	}
	return slog.New(handler).With(args...)
}

// Setup installs a New-style logger as the process default and bridges the
// standard library logger into it, then returns it for direct use.
func Setup(service, env string) *slog.Logger {
	handler := newHandler(os.Stdout, levelFor(env))
	base := New(os.Stdout, service, env)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(baseAttrs(service, env)), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
