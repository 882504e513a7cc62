package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wfgen/wfgen/internal/jobs"
	"github.com/wfgen/wfgen/internal/profile"
)

const testRadio = "type=b200,serial=3212345"

type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once
	// flush runs when the fake is signalled.
	flush func()
}

func (f *fakeProc) Pid() int              { return f.pid }
func (f *fakeProc) Done() <-chan struct{} { return f.done }
func (f *fakeProc) Kill() error           { return f.Signal(unix.SIGKILL) }
func (f *fakeProc) exit()                 { f.once.Do(func() { close(f.done) }) }

func (f *fakeProc) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Signal makes the fake exit on anything, the way a generator flushes and
// quits on SIGINT.
func (f *fakeProc) Signal(unix.Signal) error {
	if f.flush != nil && f.Alive() {
		f.flush()
	}
	f.exit()
	return nil
}

func (f *fakeProc) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeLauncher records every argv. Unless silent it writes the truth file
// named after -j, like a generator that acquired its radio.
type fakeLauncher struct {
	mu     sync.Mutex
	argvs  [][]string
	silent bool
	// dieEarly makes processes exit right away without a truth file.
	dieEarly bool
	// failFirst makes the first n processes die early.
	failFirst int
	// flushOnStop makes silent processes write their truth file when
	// signalled.
	flushOnStop bool
}

func (l *fakeLauncher) Launch(_ context.Context, argv []string) (jobs.Process, error) {
	l.mu.Lock()
	l.argvs = append(l.argvs, append([]string(nil), argv...))
	n := len(l.argvs)
	l.mu.Unlock()
	p := &fakeProc{pid: 1000 + n, done: make(chan struct{})}
	if l.dieEarly || n <= l.failFirst {
		p.exit()
		return p, nil
	}
	path, hasPath := argValue(argv, "-j")
	switch {
	case !hasPath:
	case !l.silent:
		if err := writeTruth(path); err != nil {
			return nil, err
		}
	case l.flushOnStop:
		p.flush = func() { _ = writeTruth(path) }
	}
	return p, nil
}

func writeTruth(path string) error {
	return os.WriteFile(path, []byte(`{"reports":[]}`), 0o644)
}

func (l *fakeLauncher) launched() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]string(nil), l.argvs...)
}

func testEnv(t *testing.T, l Launcher) Env {
	t.Helper()
	c, err := profile.Default()
	require.NoError(t, err)
	return Env{Catalog: c, Launcher: l, Logger: zerolog.Nop(), Grace: 200 * time.Millisecond}
}

func argValue(argv []string, flag string) (string, bool) {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == flag {
			return argv[i+1], true
		}
	}
	return "", false
}
