package logging

import "context"

type loggerKey struct{}

// WithLogger returns a copy of ctx that carries logger. Handlers run by a
// session receive their session's logger this way. A nil logger leaves ctx
// unchanged.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger carried by ctx, or a discarding logger when
// there is none.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return Discard()
}
