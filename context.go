package dzplugin

import (
	"context"
)

type contextKey string

const sessionKey contextKey = "session"

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the session dispatching the current handler
// call.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	if !ok || s == nil {
		return nil, false
	}

	return s, true
}
