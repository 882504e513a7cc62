// Package workgroup runs long-lived goroutines that survive panics.
package workgroup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// SafeGroup is an errgroup.Group with safer defaults for long-running workers.
//
// It provides:
// - GoSafe: runs a worker with panic recovery + restart backoff.
// - WaitOrInterrupt: waits for group completion, returning early on external interruption.
type SafeGroup struct {
	*errgroup.Group
	// ctx is the errgroup-derived context (canceled on parent cancellation or first non-nil error).
	ctx context.Context
	// parent is the caller-provided context. WaitOrInterrupt watches it so a
	// worker error is reported as itself rather than as context.Canceled.
	parent context.Context

	backoff   time.Duration
	panicSink io.Writer
}

// Option tweaks a SafeGroup.
type Option func(*SafeGroup)

// WithBackoff sets the first restart delay after a panic.
func WithBackoff(d time.Duration) Option {
	return func(sg *SafeGroup) {
		if d > 0 {
			sg.backoff = d
		}
	}
}

// WithPanicOutput redirects panic reports (stderr by default).
func WithPanicOutput(w io.Writer) Option {
	return func(sg *SafeGroup) {
		if w != nil {
			sg.panicSink = w
		}
	}
}

// New creates a SafeGroup backed by errgroup.WithContext.
func New(ctx context.Context, opts ...Option) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	sg := &SafeGroup{
		Group:     group,
		ctx:       groupCtx,
		parent:    ctx,
		backoff:   defaultBackoff,
		panicSink: os.Stderr,
	}
	for _, opt := range opts {
		opt(sg)
	}
	return sg
}

// Context returns the group's derived context.
func (sg *SafeGroup) Context() context.Context {
	return sg.ctx
}

// GoSafe runs fn in an errgroup goroutine and restarts it with exponential
// backoff whenever it panics.
//
// Notes:
//   - Panics do not cancel sibling goroutines.
//   - A non-nil error cancels the group's context and is returned by Wait.
//   - Context cancellation stops the restart loop so Wait can return promptly.
//
// Panics are printed without the structured logger: the logger may be the
// thing that panicked.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := sg.backoff
		for {
			select {
			case <-sg.ctx.Done():
				return nil
			default:
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(sg.ctx)
			}()

			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(sg.panicSink, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			// Small deterministic jitter without relying on math/rand.
			jitter := time.Duration(0)
			if jitterMax := backoff / 2; jitterMax > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(jitterMax))
			}
			select {
			case <-sg.ctx.Done():
				return nil
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// WaitOrInterrupt waits for the group's goroutines to finish, but returns early
// with the parent context's error once it is cancelled and the grace period has
// passed. A grace period <= 0 returns immediately on cancellation.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	ctx := sg.parent
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Group.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(ctx, err)
	case <-ctx.Done():
		if gracePeriod <= 0 {
			return ctx.Err()
		}
		select {
		case err := <-waitCh:
			return normalizeInterruptError(ctx, err)
		case <-time.After(gracePeriod):
			return ctx.Err()
		}
	}
}

// normalizeInterruptError maps context cancellation errors to ctx.Err().
func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return err
}
