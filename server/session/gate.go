package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

// inboundGate admits one inbound frame at a time. The slot holds a token
// while a frame is being processed.
type inboundGate struct {
	slot chan struct{}

	failOnce  sync.Once
	failed    chan struct{}
	failure   error
	onFailure func(err error)
}

func newInboundGate(onFailure func(err error)) *inboundGate {
	return &inboundGate{
		slot:      make(chan struct{}, 1),
		failed:    make(chan struct{}),
		onFailure: onFailure,
	}
}

// Admit parks until the previous frame has completed, then hands out its handle.
func (g *inboundGate) Admit(ctx context.Context, raw []byte) (*Handle, error) {
	select {
	case <-g.failed:
		return nil, g.closedErr()
	default:
	}

	select {
	case g.slot <- struct{}{}:
	case <-g.failed:
		return nil, g.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-g.failed:
		<-g.slot
		return nil, g.closedErr()
	default:
	}
	return &Handle{gate: g, raw: raw, done: make(chan struct{})}, nil
}

// shut closes the gate without reporting a failure.
func (g *inboundGate) shut(err error) {
	g.failOnce.Do(func() {
		g.failure = err
		close(g.failed)
	})
}

func (g *inboundGate) fail(err error) {
	reported := false
	g.failOnce.Do(func() {
		g.failure = err
		close(g.failed)
		reported = true
	})
	if reported && g.onFailure != nil {
		g.onFailure(err)
	}
}

func (g *inboundGate) closedErr() error {
	return fmt.Errorf("%w: %v", pkg.ErrGateClosed, g.failure)
}

// Handle tracks the processing of one admitted frame.
type Handle struct {
	gate *inboundGate
	raw  []byte

	once sync.Once
	done chan struct{}
	err  error
}

func (h *Handle) Raw() []byte {
	return h.raw
}

// Complete finishes processing. Only the first call counts.
func (h *Handle) Complete(err error) {
	h.once.Do(func() {
		if err != nil {
			if !errors.Is(err, pkg.ErrProcessing) {
				err = fmt.Errorf("%w: %v", pkg.ErrProcessing, err)
			}
			h.err = err
			close(h.done)
			h.gate.fail(err)
			return
		}
		<-h.gate.slot
		close(h.done)
	})
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait parks until Complete is called and returns the processing result.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
