package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Reasons recorded when a job leaves the active list.
const (
	ReasonExited   = "exited"
	ReasonKilled   = "killed"
	ReasonShutdown = "shutdown"
	ReasonTruth    = "truth"
)

// Finished is a job that has left the active list.
type Finished struct {
	Job    Job
	Reason string
	At     time.Time
}

func (f Finished) String() string { return Describe(f.Job) }

// Registry tracks every job from spawn until it finishes.
type Registry struct {
	mu       sync.Mutex
	active   []Job
	finished []Finished
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Add registers a freshly spawned job. A second job with the same pid is
// rejected.
func (r *Registry) Add(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.active {
		if j.PID() == job.PID() {
			return errors.Errorf("pid %d already registered", job.PID())
		}
	}
	r.active = append(r.active, job)
	return nil
}

// Lookup finds an active job by pid.
func (r *Registry) Lookup(pid int) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.active {
		if j.PID() == pid {
			return j, true
		}
	}
	return nil, false
}

// Finish moves job to the finished list. It reports false when the job
// was not active.
func (r *Registry) Finish(job Job, reason string) (Finished, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked(job, reason)
}

func (r *Registry) finishLocked(job Job, reason string) (Finished, bool) {
	for i, j := range r.active {
		if j != job {
			continue
		}
		r.active = append(r.active[:i], r.active[i+1:]...)
		f := Finished{Job: job, Reason: reason, At: r.now()}
		r.finished = append(r.finished, f)
		return f, true
	}
	return Finished{}, false
}

// Exited returns the active jobs whose process is gone.
func (r *Registry) Exited() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for _, j := range r.active {
		if !j.IsAlive() {
			out = append(out, j)
		}
	}
	return out
}

// UsingRadio returns the active jobs that own radio idx.
func (r *Registry) UsingRadio(idx int) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for _, j := range r.active {
		for _, owned := range j.OwnedRadios() {
			if owned == idx {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

// Active returns a snapshot of the active jobs in spawn order.
func (r *Registry) Active() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.active...)
}

// Finished returns a snapshot of the finished jobs in completion order.
func (r *Registry) Finished() []Finished {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Finished(nil), r.finished...)
}

// ShutdownAll interrupts every active job, joins them newest first and
// moves them to finished with reason. Join errors are combined; every job
// leaves the active list regardless.
func (r *Registry) ShutdownAll(ctx context.Context, grace time.Duration, reason string) ([]Finished, error) {
	jobs := r.Active()
	var err error
	for _, j := range jobs {
		err = multierr.Append(err, errors.Wrapf(j.Interrupt(), "interrupt %d", j.PID()))
	}
	var done []Finished
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		if joinErr := j.Join(ctx, grace); joinErr != nil {
			err = multierr.Append(err, errors.Wrapf(joinErr, "join %d", j.PID()))
		}
		if f, ok := r.Finish(j, reason); ok {
			done = append(done, f)
		}
	}
	return done, err
}
