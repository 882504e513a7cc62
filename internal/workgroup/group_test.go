package workgroup

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGoSafeRestartsAfterPanic(t *testing.T) {
	sink := &lockedBuffer{}
	sg := New(context.Background(), WithBackoff(time.Millisecond), WithPanicOutput(sink))
	var calls atomic.Int32
	sg.GoSafe("worker-0", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			panic("boom")
		}
		return nil
	})
	if err := sg.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !strings.Contains(sink.String(), "worker-0 panicked: boom") {
		t.Fatalf("panic not reported: %q", sink.String())
	}
}

func TestGoSafeErrorCancelsSiblings(t *testing.T) {
	sg := New(context.Background())
	want := errors.New("radio lost")
	sg.GoSafe("failing", func(ctx context.Context) error { return want })
	sg.GoSafe("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err := sg.WaitOrInterrupt(time.Second); !errors.Is(err, want) {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestWaitOrInterruptReturnsParentError(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sg := New(parent)
	release := make(chan struct{})
	sg.GoSafe("stubborn", func(ctx context.Context) error {
		<-release
		return nil
	})
	cancel()
	start := time.Now()
	err := sg.WaitOrInterrupt(20 * time.Millisecond)
	close(release)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("WaitOrInterrupt did not honour grace period")
	}
}
