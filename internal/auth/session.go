// Package auth verifies bearer tokens issued by the managed auth provider
// and carries the resulting session through request contexts.
package auth

import (
	"context"
	"time"
)

type ctxKey int

const sessionKey ctxKey = iota

// Session is the verified identity of the caller for one request.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}
