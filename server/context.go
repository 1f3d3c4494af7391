package server

import (
	"context"
	"errors"

	"github.com/ThinkInAIXYZ/go-cometd/server/session"
)

type sessionKey struct{}

func setSessionToCtx(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// GetSessionFromCtx returns the session whose frame is being processed.
func GetSessionFromCtx(ctx context.Context) (*session.Session, error) {
	s, ok := ctx.Value(sessionKey{}).(*session.Session)
	if !ok || s == nil {
		return nil, errors.New("no session found")
	}
	return s, nil
}
