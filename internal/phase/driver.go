package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
)

// Request is what a driver receives when a phase starts. Later phases see
// the results of the earlier ones.
type Request struct {
	RunID        string
	NodeID       string
	Config       graph.Config
	Dependencies []artifact.Artifact
	Alignment    *AlignmentResult
	Environment  *EnvironmentResult
	Build        *BuildResult
}

// Driver starts one phase for one node.
type Driver interface {
	Start(ctx context.Context, req Request) (Session, error)
}

// Session is a running phase. Wait blocks until the phase finishes or ctx
// is done; Cancel aborts the external work.
type Session interface {
	Wait(ctx context.Context) (Result, error)
	Cancel(ctx context.Context) error
}

// Releaser is implemented by sessions holding resources past Wait, such as
// a live build environment.
type Releaser interface {
	Release(ctx context.Context) error
}

// ErrCancelled is returned by Wait when the session was cancelled.
var ErrCancelled = errors.New("phase cancelled")

// DriverFunc adapts a blocking function into a Driver whose sessions run the
// function in their own goroutine.
type DriverFunc func(ctx context.Context, req Request) (Result, error)

func (f DriverFunc) Start(ctx context.Context, req Request) (Session, error) {
	return Go(ctx, func(ctx context.Context) (Result, error) { return f(ctx, req) }), nil
}

// Future is a Session backed by a goroutine.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	res    Result
	err    error
}

// ErrDriverPanic wraps a panic raised by a driver.
var ErrDriverPanic = errors.New("driver panic")

// Go runs fn asynchronously; the returned Future cancels fn's context on
// Cancel. A panic in fn is returned from Wait as ErrDriverPanic.
func Go(ctx context.Context, fn func(ctx context.Context) (Result, error)) *Future {
	runCtx, cancel := context.WithCancel(ctx)
	f := &Future{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer func() {
			if p := recover(); p != nil {
				f.res, f.err = nil, fmt.Errorf("%w: %v", ErrDriverPanic, p)
			}
		}()
		f.res, f.err = fn(runCtx)
	}()
	return f
}

// Wait implements Session.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel implements Session.
func (f *Future) Cancel(_ context.Context) error {
	f.once.Do(f.cancel)
	return nil
}
