package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Kind tells the job variants apart.
type Kind string

const (
	KindNative     Kind = "native"
	KindSupervisor Kind = "supervisor"
	KindPair       Kind = "pair"
)

// Job is one spawned unit of work tracked by the server.
type Job interface {
	PID() int
	// Key is unique across server restarts; the ledger is keyed on it.
	Key() string
	Kind() Kind
	CommandLine() string
	OwnedRadios() []int
	Started() time.Time
	IsAlive() bool
	// Interrupt asks the job to stop without waiting.
	Interrupt() error
	// Join waits for the job to exit, escalating to SIGKILL once grace
	// has passed since the call.
	Join(ctx context.Context, grace time.Duration) error
}

// Spec carries the bookkeeping common to every job.
type Spec struct {
	Key         string
	CommandLine string
	Radios      []int
	Started     time.Time
}

type base struct{ spec Spec }

func (b base) Key() string { return b.spec.Key }
func (b base) CommandLine() string { return b.spec.CommandLine }
func (b base) Started() time.Time { return b.spec.Started }

func (b base) OwnedRadios() []int {
	return append([]int(nil), b.spec.Radios...)
}

func newBase(spec Spec) base {
	if spec.Started.IsZero() {
		spec.Started = time.Now()
	}
	spec.Radios = append([]int(nil), spec.Radios...)
	return base{spec: spec}
}

// NativeJob is a single generator process stopped with SIGINT so it can
// flush its truth file.
type NativeJob struct {
	base
	proc Process
}

func NewNativeJob(spec Spec, proc Process) *NativeJob {
	return &NativeJob{base: newBase(spec), proc: proc}
}

func (j *NativeJob) PID() int { return j.proc.Pid() }
func (j *NativeJob) Kind() Kind { return KindNative }
func (j *NativeJob) IsAlive() bool { return j.proc.Alive() }
func (j *NativeJob) Interrupt() error { return j.proc.Signal(unix.SIGINT) }
func (j *NativeJob) Process() Process { return j.proc }

func (j *NativeJob) Join(ctx context.Context, grace time.Duration) error {
	return Stop(ctx, j.proc, unix.SIGINT, grace)
}

// SupervisorJob is a supervise process. SIGTERM makes it stop its workers
// before exiting.
type SupervisorJob struct {
	base
	proc Process
}

func NewSupervisorJob(spec Spec, proc Process) *SupervisorJob {
	return &SupervisorJob{base: newBase(spec), proc: proc}
}

func (j *SupervisorJob) PID() int { return j.proc.Pid() }
func (j *SupervisorJob) Kind() Kind { return KindSupervisor }
func (j *SupervisorJob) IsAlive() bool { return j.proc.Alive() }
func (j *SupervisorJob) Interrupt() error { return j.proc.Signal(unix.SIGTERM) }

func (j *SupervisorJob) Join(ctx context.Context, grace time.Duration) error {
	return Stop(ctx, j.proc, unix.SIGTERM, grace)
}

// PairJob is a generator plus a companion helper feeding it. The pair
// lives as long as the generator does.
type PairJob struct {
	base
	main      Process
	companion Process
}

func NewPairJob(spec Spec, main, companion Process) *PairJob {
	return &PairJob{base: newBase(spec), main: main, companion: companion}
}

func (j *PairJob) PID() int { return j.main.Pid() }
func (j *PairJob) Kind() Kind { return KindPair }
func (j *PairJob) IsAlive() bool { return j.main.Alive() }

func (j *PairJob) Interrupt() error {
	err := j.main.Signal(unix.SIGINT)
	if j.companion != nil {
		err = multierr.Append(err, j.companion.Signal(unix.SIGTERM))
	}
	return err
}

func (j *PairJob) Join(ctx context.Context, grace time.Duration) error {
	err := Stop(ctx, j.main, unix.SIGINT, grace)
	if j.companion != nil {
		err = multierr.Append(err, Stop(ctx, j.companion, unix.SIGTERM, grace))
	}
	return err
}

// Describe renders a job the way get_active and get_finished list it.
func Describe(j Job) string {
	radios := make([]string, 0, len(j.OwnedRadios()))
	for _, r := range j.OwnedRadios() {
		radios = append(radios, fmt.Sprint(r))
	}
	return fmt.Sprintf("(%d, %s, '%s', [%s])", j.PID(), j.Kind(), j.CommandLine(), strings.Join(radios, ", "))
}
