package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeProcess struct {
	pid     int
	mu      sync.Mutex
	signals []unix.Signal
	// exitOn lists the signals that make the fake exit.
	exitOn map[unix.Signal]bool
	done   chan struct{}
	once   sync.Once
}

func newFake(pid int, exitOn ...unix.Signal) *fakeProcess {
	f := &fakeProcess{pid: pid, exitOn: map[unix.Signal]bool{unix.SIGKILL: true}, done: make(chan struct{})}
	for _, s := range exitOn {
		f.exitOn[s] = true
	}
	return f
}

func (f *fakeProcess) Pid() int              { return f.pid }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) Kill() error           { return f.Signal(unix.SIGKILL) }
func (f *fakeProcess) exit()                 { f.once.Do(func() { close(f.done) }) }

func (f *fakeProcess) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeProcess) Signal(sig unix.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
	if f.exitOn[sig] {
		f.exit()
	}
	return nil
}

func (f *fakeProcess) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeProcess) got() []unix.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]unix.Signal(nil), f.signals...)
}

func TestNativeJobStopsOnInterrupt(t *testing.T) {
	proc, err := Start([]string{"sleep", "30"}, StartOptions{Quiet: true})
	require.NoError(t, err)
	job := NewNativeJob(Spec{Key: "k1", CommandLine: "sleep 30", Radios: []int{0}}, proc)
	require.True(t, job.IsAlive())

	require.NoError(t, job.Join(context.Background(), 5*time.Second))
	require.False(t, job.IsAlive())
	require.Error(t, proc.Err())
}

func TestJoinEscalatesToKill(t *testing.T) {
	proc, err := Start([]string{"sh", "-c", `trap "" INT; sleep 30`}, StartOptions{Quiet: true})
	require.NoError(t, err)
	// give the shell time to install its trap
	time.Sleep(200 * time.Millisecond)

	job := NewNativeJob(Spec{CommandLine: "stubborn"}, proc)
	start := time.Now()
	err = job.Join(context.Background(), 300*time.Millisecond)
	if !errors.Is(err, ErrKilled) {
		t.Fatalf("expected ErrKilled, got %v", err)
	}
	require.False(t, job.IsAlive())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestStartRejectsEmptyArgv(t *testing.T) {
	if _, err := Start(nil, StartOptions{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVariantsUseTheirSignals(t *testing.T) {
	native := newFake(10, unix.SIGINT)
	sup := newFake(11, unix.SIGTERM)
	gen, helper := newFake(12, unix.SIGINT), newFake(13, unix.SIGTERM)

	ctx := context.Background()
	require.NoError(t, NewNativeJob(Spec{}, native).Join(ctx, time.Second))
	require.NoError(t, NewSupervisorJob(Spec{}, sup).Join(ctx, time.Second))
	pair := NewPairJob(Spec{Radios: []int{2}}, gen, helper)
	require.Equal(t, 12, pair.PID())
	require.NoError(t, pair.Join(ctx, time.Second))

	require.Equal(t, []unix.Signal{unix.SIGINT}, native.got())
	require.Equal(t, []unix.Signal{unix.SIGTERM}, sup.got())
	require.Equal(t, []unix.Signal{unix.SIGINT}, gen.got())
	require.Equal(t, []unix.Signal{unix.SIGTERM}, helper.got())
}

func TestStubbornFakeIsKilled(t *testing.T) {
	stubborn := newFake(20)
	err := NewNativeJob(Spec{}, stubborn).Join(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrKilled)
	require.Equal(t, []unix.Signal{unix.SIGINT, unix.SIGKILL}, stubborn.got())
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	a := NewNativeJob(Spec{Key: "a", CommandLine: "start_radio static -a serial=A qpsk", Radios: []int{0}}, newFake(100, unix.SIGINT))
	b := NewSupervisorJob(Spec{Key: "b", CommandLine: "run_random", Radios: []int{1, 2}}, newFake(101, unix.SIGTERM))
	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	require.Error(t, reg.Add(a))

	got, ok := reg.Lookup(101)
	require.True(t, ok)
	require.Equal(t, "b", got.Key())
	_, ok = reg.Lookup(999)
	require.False(t, ok)

	require.Len(t, reg.UsingRadio(2), 1)
	require.Empty(t, reg.UsingRadio(3))
	require.Empty(t, reg.Exited())

	a.proc.(*fakeProcess).exit()
	exited := reg.Exited()
	require.Len(t, exited, 1)
	f, ok := reg.Finish(exited[0], ReasonExited)
	require.True(t, ok)
	require.Equal(t, ReasonExited, f.Reason)
	_, ok = reg.Finish(exited[0], ReasonExited)
	require.False(t, ok)

	require.Len(t, reg.Active(), 1)
	require.Len(t, reg.Finished(), 1)
	require.Equal(t, "(100, native, 'start_radio static -a serial=A qpsk', [0])", reg.Finished()[0].String())
}

func TestShutdownAllCombinesErrors(t *testing.T) {
	reg := NewRegistry()
	polite := NewNativeJob(Spec{Key: "p"}, newFake(1, unix.SIGINT))
	stubborn := NewNativeJob(Spec{Key: "s"}, newFake(2))
	require.NoError(t, reg.Add(polite))
	require.NoError(t, reg.Add(stubborn))

	done, err := reg.ShutdownAll(context.Background(), 10*time.Millisecond, ReasonShutdown)
	require.ErrorIs(t, err, ErrKilled)
	require.Len(t, done, 2)
	require.Equal(t, "s", done[0].Job.Key())
	require.Empty(t, reg.Active())
	for _, f := range reg.Finished() {
		require.Equal(t, ReasonShutdown, f.Reason)
	}
}
