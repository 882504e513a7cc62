package orchestrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/wfgen/wfgen/internal/schedule"
	"github.com/wfgen/wfgen/internal/workgroup"
)

const (
	// DefaultGrace is how long a generator gets to exit after SIGINT.
	DefaultGrace = 10 * time.Second

	// DefaultRespawn is the pause before an emptied slot gets a new worker.
	DefaultRespawn = time.Second

	maxStartupFailures = 5
)

// Worker drives one radio until its run is over.
type Worker interface {
	Run(ctx context.Context) error
}

// Supervisor runs one worker per slot. A worker that panics is rebuilt with
// a fresh seed. A worker that returns is replaced, again with a fresh seed,
// for as long as Continue holds.
type Supervisor struct {
	Slots int
	// NewWorker builds the worker for a slot.
	NewWorker func(slot int, seed schedule.Seed) Worker
	// Seed draws the seed for the next worker of a slot.
	Seed func(slot int) schedule.Seed
	// Continue reports whether the run still wants workers. Nil means a
	// returned worker leaves its slot empty.
	Continue func() bool
	// Respawn is the pause before a returned worker is replaced.
	Respawn time.Duration
	Grace   time.Duration
	Logger  zerolog.Logger

	mu sync.Mutex
}

// Run blocks until every slot is empty for good or ctx ends. On cancellation
// workers stop their generators and are joined.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Slots <= 0 {
		return errors.New("supervisor has no workers")
	}
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	group := workgroup.New(ctx)
	for slot := 0; slot < s.Slots; slot++ {
		slot := slot
		group.GoSafe(fmt.Sprintf("worker-%d", slot), func(ctx context.Context) error {
			for {
				s.mu.Lock()
				seed := s.Seed(slot)
				s.mu.Unlock()
				s.Logger.Debug().Int("slot", slot).Msg("worker starting")
				err := s.NewWorker(slot, seed).Run(ctx)
				s.Logger.Debug().Int("slot", slot).Err(err).Msg("worker finished")
				if err != nil || !s.refill(ctx) {
					return err
				}
				s.Logger.Info().Int("slot", slot).Msg("slot empty, spawning a new worker")
			}
		})
	}
	// workers need the generator grace plus the kill wait to come back
	err := group.WaitOrInterrupt(2*grace + 5*time.Second)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// refill waits out the respawn pause and reports whether the slot should get
// another worker.
func (s *Supervisor) refill(ctx context.Context) bool {
	if s.Continue == nil || ctx.Err() != nil || !s.Continue() {
		return false
	}
	pause := s.Respawn
	if pause <= 0 {
		pause = DefaultRespawn
	}
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return s.Continue()
}

// Run executes a plan in the current process until it completes or ctx is
// cancelled.
func Run(ctx context.Context, plan *Plan, env Env) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	shared := NewSharedState(plan.StartInstance, plan.InstanceLimit)
	log := env.Logger.With().Str("run", plan.RunID).Str("kind", plan.Kind).Logger()
	env.Logger = log

	now := env.Now
	if now == nil {
		now = time.Now
	}
	sup := &Supervisor{
		Slots:    len(plan.Radios),
		Continue: func() bool { return !shared.Exhausted() && !shared.Ended(now()) },
		Grace:    env.Grace,
		Logger:   log,
	}
	switch plan.Kind {
	case KindRandom:
		rp := plan.Random
		rng := rp.Seed.Rand()
		sup.Seed = func(int) schedule.Seed { return schedule.NewSeed(rng) }
		sup.NewWorker = func(slot int, seed schedule.Seed) Worker {
			return NewRandomWorker(plan.Radios[slot], rp, shared, plan.TruthDir, seed, env)
		}
	case KindScript:
		sp := plan.Script
		radios := make([]ScriptRadio, len(sp.Radios))
		rngs := make([]*rand.Rand, len(sp.Radios))
		for i, r := range sp.Radios {
			rngs[i] = r.Seed.Rand()
			if sp.Toggle(TogglePickOverlapping) {
				before := len(r.Entries)
				r.Entries = schedule.PickOverlapping(r.Entries, rngs[i])
				log.Info().Str("radio", r.Args).Int("before", before).Int("after", len(r.Entries)).Msg("picked overlapping waveforms")
			}
			radios[i] = r
		}
		sup.Seed = func(slot int) schedule.Seed { return schedule.NewSeed(rngs[slot]) }
		sup.NewWorker = func(slot int, seed schedule.Seed) Worker {
			return NewScriptedWorker(slot, len(radios), radios[slot], sp, shared, plan.TruthDir, seed, env)
		}
	}
	log.Info().Int("radios", len(plan.Radios)).Int("start_instance", plan.StartInstance).
		Int("instance_limit", plan.InstanceLimit).Float64("runtime", plan.Runtime).Msg("run starting")
	err := sup.Run(ctx)
	log.Info().Int("instances", shared.Claimed()).Msg("run finished")
	return err
}
