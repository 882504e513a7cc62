package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wfgen/wfgen/internal/schedule"
	"github.com/wfgen/wfgen/internal/truth"
)

type funcWorker func(ctx context.Context) error

func (f funcWorker) Run(ctx context.Context) error { return f(ctx) }

func TestSupervisorRebuildsPanickedWorker(t *testing.T) {
	var (
		mu    sync.Mutex
		seeds []schedule.Seed
		runs  atomic.Int32
		n     uint64
	)
	sup := &Supervisor{
		Slots:  1,
		Logger: zerolog.Nop(),
		Seed: func(int) schedule.Seed {
			n++
			return schedule.Seed{n}
		},
		NewWorker: func(_ int, seed schedule.Seed) Worker {
			mu.Lock()
			seeds = append(seeds, seed)
			mu.Unlock()
			return funcWorker(func(context.Context) error {
				if runs.Add(1) == 1 {
					panic("boom")
				}
				return nil
			})
		},
	}
	require.NoError(t, sup.Run(context.Background()))
	require.Equal(t, int32(2), runs.Load())
	require.Equal(t, []schedule.Seed{{1}, {2}}, seeds)
}

func TestSupervisorRespawnsReturnedWorker(t *testing.T) {
	var (
		mu     sync.Mutex
		seeds  []schedule.Seed
		played atomic.Int32
		n      uint64
	)
	sup := &Supervisor{
		Slots:   1,
		Logger:  zerolog.Nop(),
		Respawn: time.Millisecond,
		Seed: func(int) schedule.Seed {
			n++
			return schedule.Seed{n}
		},
		// the run wants workers until one has played
		Continue: func() bool { return played.Load() == 0 },
		NewWorker: func(_ int, seed schedule.Seed) Worker {
			mu.Lock()
			seeds = append(seeds, seed)
			first := len(seeds) == 1
			mu.Unlock()
			return funcWorker(func(context.Context) error {
				if first {
					// retires without playing anything
					return nil
				}
				played.Add(1)
				return nil
			})
		},
	}
	require.NoError(t, sup.Run(context.Background()))
	require.Equal(t, int32(1), played.Load())
	require.Equal(t, []schedule.Seed{{1}, {2}}, seeds, "the replacement gets a new seed")
}

func TestSupervisorLeavesSlotEmptyWithoutContinue(t *testing.T) {
	var spawned atomic.Int32
	sup := &Supervisor{
		Slots:  2,
		Logger: zerolog.Nop(),
		Seed:   func(int) schedule.Seed { return schedule.Seed{} },
		NewWorker: func(int, schedule.Seed) Worker {
			spawned.Add(1)
			return funcWorker(func(context.Context) error { return nil })
		},
	}
	require.NoError(t, sup.Run(context.Background()))
	require.Equal(t, int32(2), spawned.Load())
}

func TestSupervisorJoinsWorkersOnCancel(t *testing.T) {
	var stopped atomic.Int32
	sup := &Supervisor{
		Slots:  3,
		Logger: zerolog.Nop(),
		Seed:   func(int) schedule.Seed { return schedule.Seed{} },
		NewWorker: func(int, schedule.Seed) Worker {
			return funcWorker(func(ctx context.Context) error {
				<-ctx.Done()
				stopped.Add(1)
				return nil
			})
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not return")
	}
	require.Equal(t, int32(3), stopped.Load())
}

func TestSupervisorNeedsSlots(t *testing.T) {
	require.Error(t, (&Supervisor{}).Run(context.Background()))
}

func TestPlanWriteRead(t *testing.T) {
	rp := randomPlanT(10, 4)
	plan := NewRandomPlan(rp, []string{testRadio}, "/data/run", 12)
	require.NotEmpty(t, plan.RunID)

	path, err := plan.Write(t.TempDir())
	require.NoError(t, err)
	back, err := ReadPlan(path)
	require.NoError(t, err)
	require.Equal(t, plan.RunID, back.RunID)
	require.Equal(t, KindRandom, back.Kind)
	require.Equal(t, 12, back.StartInstance)
	require.Equal(t, 4, back.InstanceLimit)
	require.Equal(t, rp.Seed, back.Random.Seed)
	require.Equal(t, []string{"bpsk"}, back.Random.Profiles)

	_, err = ReadPlan(path + ".missing")
	require.Error(t, err)
	require.Error(t, (&Plan{Kind: "other", Radios: []string{"x"}}).Validate())
	require.Error(t, (&Plan{Kind: KindScript, Radios: []string{"x"}}).Validate())
}

func TestRunRandomPlan(t *testing.T) {
	dir := t.TempDir()
	l := &fakeLauncher{}
	rp := randomPlanT(0.3, 4)
	rp.Seed = schedule.Seed{42}
	plan := NewRandomPlan(rp, []string{testRadio, "type=x300,serial=31A5F00"}, dir, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, plan, testEnv(t, l)))
	require.NoError(t, ctx.Err())

	argvs := l.launched()
	require.NotEmpty(t, argvs)
	require.LessOrEqual(t, len(argvs), 4)
	seen := map[string]bool{}
	for _, argv := range argvs {
		path, ok := argValue(argv, "-j")
		require.True(t, ok)
		require.False(t, seen[path], "instance reused: %s", path)
		seen[path] = true
	}
}

func TestRunRandomPlanRefillsRetiredSlot(t *testing.T) {
	dir := t.TempDir()
	l := &fakeLauncher{failFirst: maxStartupFailures}
	rp := randomPlanT(0.3, 10)
	plan := NewRandomPlan(rp, []string{testRadio}, dir, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, plan, testEnv(t, l)))
	require.NoError(t, ctx.Err(), "run should end with its window")

	require.Greater(t, len(l.launched()), maxStartupFailures, "the retired worker was replaced")
	_, err := os.Stat(filepath.Join(dir, truth.FileName("3212345", 0)))
	require.NoError(t, err)
}

func TestRunScriptPlan(t *testing.T) {
	sp, _ := scriptPlanT(0.5,
		schedule.Entry{Signal: map[string]any{"profile": "bpsk"}, Timing: schedule.Window(0, 0.2)},
		schedule.Entry{Signal: map[string]any{"profile": "qpsk"}, Timing: schedule.Window(0.1, 0.3)},
	)
	sp.Toggles = map[string]any{TogglePickOverlapping: true}
	l := &fakeLauncher{}
	plan := NewScriptPlan(sp, t.TempDir(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, plan, testEnv(t, l)))
	require.Len(t, l.launched(), 1, "overlapping entries collapse to one")
}
