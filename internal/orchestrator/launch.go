package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/wfgen/wfgen/internal/jobs"
	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/truth"
)

var (
	// ErrStartupTimeout means the generator never wrote its truth file.
	ErrStartupTimeout = errors.New("generator startup timed out")
	// ErrExitedEarly means the generator died before writing its truth file.
	ErrExitedEarly = errors.New("generator exited before startup")

	errExhausted = errors.New("instance limit reached")
)

var truthPoll = 50 * time.Millisecond

// Launcher starts generator processes.
type Launcher interface {
	Launch(ctx context.Context, argv []string) (jobs.Process, error)
}

// ExecLauncher runs argv as a child process in its own process group.
type ExecLauncher struct {
	Quiet  bool
	Stdout io.Writer
	Stderr io.Writer
	Env    []string
}

func (l ExecLauncher) Launch(_ context.Context, argv []string) (jobs.Process, error) {
	proc, err := jobs.Start(argv, jobs.StartOptions{Quiet: l.Quiet, Stdout: l.Stdout, Stderr: l.Stderr, Env: l.Env})
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// awaitTruth waits for the generator to create its truth file, which it
// does once the radio is acquired.
func awaitTruth(ctx context.Context, path string, patience time.Duration, proc jobs.Process) error {
	exists := func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
	if exists() {
		return nil
	}
	deadline := time.NewTimer(patience)
	defer deadline.Stop()
	tick := time.NewTicker(truthPoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			if exists() {
				return nil
			}
			return ErrExitedEarly
		case <-deadline.C:
			if exists() {
				return nil
			}
			return ErrStartupTimeout
		case <-tick.C:
			if exists() {
				return nil
			}
		}
	}
}

// runner launches single generator instances for one radio.
type runner struct {
	catalog   *profile.Catalog
	launcher  Launcher
	shared    *SharedState
	runtime   time.Duration
	truthDir  string
	radioArgs string
	serial    string
	grace     time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// launch describes one instance.
type launch struct {
	profile  string
	params   map[string]any
	opts     profile.Options
	patience time.Duration
	// offset shifts the published run window, for generators that take
	// long to start hopping.
	offset time.Duration
	// deadline picks the stop time from the moment the truth file appeared
	// and the published run window.
	deadline func(started, runStart, runEnd time.Time) time.Time
}

type outcome struct {
	instance  int
	started   bool
	startedAt time.Time
	exited    bool
}

// run claims an instance, starts the generator, waits for it to come up, lets
// it run until its deadline and stops it. A failed startup gives the claim
// back and is not an error.
func (r *runner) run(ctx context.Context, l launch) (outcome, error) {
	instance, ok := r.shared.TryClaim()
	if !ok {
		return outcome{}, errExhausted
	}
	out := outcome{instance: instance}
	path := filepath.Join(r.truthDir, truth.FileName(r.serial, instance))
	// a released instance may still carry the truth file its abandoned
	// generator flushed on SIGINT
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.shared.Release(instance)
		return out, errors.Wrap(err, "remove stale truth file")
	}

	params := make(map[string]any, len(l.params)+1)
	for k, v := range l.params {
		params[k] = v
	}
	params["json"] = path
	inv, err := r.catalog.Command(l.profile, r.radioArgs, params, l.opts)
	if err != nil {
		r.shared.Release(instance)
		return out, err
	}

	main, companion, err := r.start(ctx, inv)
	if err != nil {
		r.shared.Release(instance)
		return out, err
	}
	log := r.logger.With().Int("instance", instance).Int("pid", main.Pid()).Logger()
	log.Info().Str("cmd", strings.Join(inv.Argv, " ")).Msg("generator launched")

	if err := awaitTruth(ctx, path, l.patience, main); err != nil {
		r.stop(main, companion, log)
		r.shared.Release(instance)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		log.Warn().Err(err).Dur("patience", l.patience).Msg("instance abandoned")
		return out, nil
	}

	out.started = true
	out.startedAt = r.now()
	runStart, runEnd := r.shared.Publish(out.startedAt, r.runtime, l.offset)
	stopAt := runEnd
	if l.deadline != nil {
		if d := l.deadline(out.startedAt, runStart, runEnd); d.Before(stopAt) {
			stopAt = d
		}
	}

	timer := time.NewTimer(stopAt.Sub(r.now()))
	defer timer.Stop()
	select {
	case <-main.Done():
		out.exited = true
		log.Info().Msg("generator exited on its own")
	case <-timer.C:
	case <-ctx.Done():
	}
	r.stop(main, companion, log)
	return out, ctx.Err()
}

func (r *runner) start(ctx context.Context, inv profile.Invocation) (jobs.Process, jobs.Process, error) {
	var companion jobs.Process
	if len(inv.Companion) > 0 {
		c, err := r.launcher.Launch(ctx, inv.Companion)
		if err != nil {
			return nil, nil, errors.Wrap(err, "start companion")
		}
		companion = c
	}
	main, err := r.launcher.Launch(ctx, inv.Argv)
	if err != nil {
		if companion != nil {
			jobs.Stop(context.Background(), companion, unix.SIGTERM, r.grace)
		}
		return nil, nil, errors.Wrap(err, "start generator")
	}
	return main, companion, nil
}

// stop interrupts the generator so it flushes its truth file, escalating
// after the grace period.
func (r *runner) stop(main, companion jobs.Process, log zerolog.Logger) {
	err := jobs.Stop(context.Background(), main, unix.SIGINT, r.grace)
	if companion != nil {
		err = multierr.Append(err, jobs.Stop(context.Background(), companion, unix.SIGTERM, r.grace))
	}
	if err != nil {
		log.Warn().Err(err).Msg("generator stop")
	}
}
