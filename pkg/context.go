package pkg

import (
	"context"
	"time"
)

// CancelShieldContext keeps the values of the wrapped context but never
// reports cancellation, so work started for a request can finish after the
// peer has gone away.
type CancelShieldContext struct {
	context.Context
}

func NewCancelShieldContext(ctx context.Context) context.Context {
	return CancelShieldContext{Context: ctx}
}

func (v CancelShieldContext) Deadline() (deadline time.Time, ok bool) {
	return
}

func (v CancelShieldContext) Done() <-chan struct{} {
	return nil
}

func (v CancelShieldContext) Err() error {
	return nil
}
