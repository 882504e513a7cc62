package orchestrator

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/wfgen/wfgen/internal/fleet"
	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/schedule"
)

// Scripted run timing.
const (
	TimeBuffer       = 100 * time.Millisecond
	HopperTimeBuffer = 19 * time.Second
	TimeSlack        = 20 * time.Second
	ScriptPatience   = 60 * time.Second

	// signalLead is how long after the truth file appears a generator is
	// assumed to be on air.
	signalLead = time.Second
)

// Toggles understood by scripted runs.
const (
	ToggleDivideConfigs   = "divide_configs"
	TogglePickOverlapping = "random_pick_overlapping_waveforms"
)

// ScriptRadio is the part of a schedule request one local radio plays.
type ScriptRadio struct {
	Args    string           `yaml:"args"`
	Index   int              `yaml:"index"`
	Seed    schedule.Seed    `yaml:"seed"`
	Entries []schedule.Entry `yaml:"entries"`
}

// ScriptPlan is a run_script request narrowed to this server.
type ScriptPlan struct {
	Runtime     float64        `yaml:"runtime"`
	Flags       int            `yaml:"flags"`
	Toggles     map[string]any `yaml:"toggles,omitempty"`
	SignalLimit int            `yaml:"signal_limit"`
	Radios      []ScriptRadio  `yaml:"radios"`
}

// Toggle reports whether a boolean toggle is set.
func (p *ScriptPlan) Toggle(name string) bool {
	return truthyValue(p.Toggles[name])
}

// RadioIndices lists the local radio ids the plan needs.
func (p *ScriptPlan) RadioIndices() []int {
	out := make([]int, len(p.Radios))
	for i, r := range p.Radios {
		out[i] = r.Index
	}
	return out
}

// ParseScriptRequest decodes a run_script payload and keeps only the radios
// found in inventory. A plan with no radios is returned without error; the
// caller decides how to answer.
func ParseScriptRequest(text string, inventory fleet.Inventory) (*ScriptPlan, error) {
	req, err := schedule.ParseRequest(text)
	if err != nil {
		return nil, err
	}
	plan := &ScriptPlan{
		Runtime:     req.Runtime,
		Flags:       req.Flags,
		Toggles:     req.Toggles,
		SignalLimit: req.SignalLimit,
	}
	if plan.Runtime <= 0 {
		plan.Runtime = DefaultRuntime
	}
	if plan.SignalLimit <= 0 {
		plan.SignalLimit = schedule.DefaultSignalLimit
	}
	for _, args := range req.RadioOrder() {
		idx := inventory.IndexOfArgs(args)
		if idx < 0 {
			continue
		}
		rp := req.Radios[args]
		entries := make([]schedule.Entry, 0, len(rp.Entries))
		for _, e := range rp.Entries {
			sig := make(map[string]any, len(e.Signal))
			for k, v := range e.Signal {
				sig[k] = v
			}
			if schedule.IsTrace(plan.Flags) {
				if set, ok := sig["energy_set"]; ok {
					sig["energy_set"] = energyCount(set)
				}
				delete(sig, "extras")
			}
			entries = append(entries, schedule.Entry{Signal: sig, Timing: e.Timing})
		}
		plan.Radios = append(plan.Radios, ScriptRadio{Args: args, Index: idx, Seed: rp.Seed, Entries: entries})
	}
	return plan, nil
}

// ScriptedWorker plays one radio's entries. Timed entries start when the run
// clock reaches their start time, less a lead buffer, and repeat until their
// stop time. Untimed entries fill the gaps.
type ScriptedWorker struct {
	runner
	plan     *ScriptPlan
	rng      *rand.Rand
	timed    []schedule.Entry
	pool     []schedule.Entry
	patience time.Duration
}

// NewScriptedWorker builds the worker for slot of slots. With divide_configs
// each slot keeps every slots-th entry of both pools.
func NewScriptedWorker(slot, slots int, radio ScriptRadio, plan *ScriptPlan, shared *SharedState, truthDir string, seed schedule.Seed, env Env) *ScriptedWorker {
	w := &ScriptedWorker{
		runner:   env.runner(radio.Args, shared, secondsToDuration(plan.Runtime), truthDir),
		plan:     plan,
		rng:      seed.Rand(),
		patience: ScriptPatience,
	}
	for _, e := range radio.Entries {
		if e.Timed() {
			w.timed = append(w.timed, e)
		} else {
			w.pool = append(w.pool, e)
		}
	}
	sort.SliceStable(w.timed, func(i, j int) bool { return *w.timed[i].Timing[0] < *w.timed[j].Timing[0] })
	if plan.Toggle(ToggleDivideConfigs) && slots > 1 {
		w.timed = stripe(w.timed, slot, slots)
		w.pool = stripe(w.pool, slot, slots)
	}
	w.logger.Info().Int("timed", len(w.timed)).Int("untimed", len(w.pool)).Msg("scripted worker ready")
	return w
}

func stripe(entries []schedule.Entry, slot, slots int) []schedule.Entry {
	var out []schedule.Entry
	for i := slot; i < len(entries); i += slots {
		out = append(out, entries[i])
	}
	return out
}

// Run plays entries until the run window closes, the quota is used up, the
// entries run out or ctx ends.
func (w *ScriptedWorker) Run(ctx context.Context) error {
	origin := w.now()
	if start, _, ok := w.shared.Window(); ok {
		origin = start
	}
	var (
		cur      *schedule.Entry
		sigEnd   time.Time
		next     int
		failures int
	)
	for ctx.Err() == nil && !w.shared.Ended(w.now()) {
		if cur == nil {
			switch {
			case next < len(w.timed):
				cur = &w.timed[next]
				next++
			case len(w.pool) > 0:
				cur = &w.pool[w.rng.IntN(len(w.pool))]
			default:
				w.logger.Info().Msg("no entries left, worker retiring")
				return nil
			}
			sigEnd = time.Time{}
		}

		var fillUntil time.Time
		if cur.Timed() {
			ref := origin
			if start, _, ok := w.shared.Window(); ok {
				ref = start
			}
			t0, t1 := timing(*cur)
			now := w.now()
			if now.Sub(ref).Seconds() > t1 {
				cur = nil
				continue
			}
			lead := ref.Add(secondsToDuration(t0) - bufferFor(cur.Signal))
			if now.Before(lead) {
				if len(w.pool) == 0 || lead.Sub(now) < TimeSlack {
					if !w.sleepUntil(ctx, lead) {
						return nil
					}
					continue
				}
				fillUntil = lead
			}
		}

		entry := *cur
		if !fillUntil.IsZero() {
			entry = w.pool[w.rng.IntN(len(w.pool))]
		}
		var end *time.Time
		if entry.Timed() {
			end = &sigEnd
		}
		out, err := w.play(ctx, entry, end, fillUntil)
		switch {
		case errors.Is(err, errExhausted):
			w.logger.Info().Msg("instance quota reached")
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			w.logger.Error().Err(err).Msg("entry skipped")
			if fillUntil.IsZero() {
				cur = nil
			}
		}
		if !out.started {
			failures++
			if failures >= maxStartupFailures {
				w.logger.Warn().Int("failures", failures).Msg("generator keeps failing, worker retiring")
				return nil
			}
		} else {
			failures = 0
		}
		if !fillUntil.IsZero() || cur == nil {
			continue
		}
		if !cur.Timed() || (!sigEnd.IsZero() && !w.now().Before(sigEnd)) {
			cur = nil
		}
	}
	return nil
}

// play resolves and launches one entry. For timed entries sigEnd holds the
// entry's stop time across repeats; it is set on the first successful start.
func (w *ScriptedWorker) play(ctx context.Context, e schedule.Entry, sigEnd *time.Time, until time.Time) (outcome, error) {
	cfg := make(map[string]any, len(e.Signal))
	for k, v := range e.Signal {
		cfg[k] = v
	}
	if strFrom(cfg["mode"]) == "" {
		cfg["mode"] = modeStatic
	}
	isHopper := cfg["mode"] == modeHopper
	if _, ok := cfg["instance_name"]; ok {
		cfg["mode"] = modeReplay
	}

	resolved, err := ResolveSignalChoices(cfg, w.rng)
	if err != nil {
		return outcome{}, err
	}
	params, err := TranslateConfig(resolved, w.rng)
	if err != nil {
		return outcome{}, err
	}
	w.clampDuration(params)

	name, ok := w.catalog.Resolve(strFrom(params["profile"]))
	if !ok {
		w.logger.Warn().Interface("profile", params["profile"]).Str("using", name).Msg("unknown profile")
	}
	opts := profileOptions(params, w.rng)
	for _, k := range []string{"hopper", "bursty", "profile", "time_start", "time_stop"} {
		delete(params, k)
	}

	var offset time.Duration
	if isHopper {
		offset = HopperTimeBuffer
	}
	t0, t1 := timing(e)
	return w.run(ctx, launch{
		profile:  name,
		params:   params,
		opts:     opts,
		patience: w.patience,
		offset:   offset,
		deadline: func(started, runStart, runEnd time.Time) time.Time {
			end := runEnd
			if sigEnd != nil {
				if sigEnd.IsZero() {
					*sigEnd = runEnd
					if !math.IsInf(t1, 1) {
						*sigEnd = started.Add(signalLead + secondsToDuration(t1-t0))
						if limit := runStart.Add(secondsToDuration(t1)); limit.Before(*sigEnd) {
							*sigEnd = limit
						}
					}
				}
				end = *sigEnd
			}
			if !until.IsZero() && until.Before(end) {
				end = until
			}
			return end
		},
	})
}

// clampDuration keeps a generator from outliving the run.
func (w *ScriptedWorker) clampDuration(params map[string]any) {
	d, ok := schedule.ToFloat(params["duration"])
	if !ok {
		return
	}
	runtime := w.plan.Runtime
	start, _, published := w.shared.Window()
	if !published {
		if d > runtime {
			params["duration"] = runtime
		}
		return
	}
	remaining := runtime - w.now().Sub(start).Seconds()
	if d-TimeSlack.Seconds() > remaining {
		params["duration"] = remaining
	}
}

func (w *ScriptedWorker) sleepUntil(ctx context.Context, at time.Time) bool {
	t := time.NewTimer(at.Sub(w.now()))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func profileOptions(params map[string]any, rng *rand.Rand) profile.Options {
	return profile.Options{
		Hopper: truthyValue(params["hopper"]),
		Bursty: truthyValue(params["bursty"]),
		Rand:   rng,
	}
}

func bufferFor(sig map[string]any) time.Duration {
	if strFrom(sig["mode"]) == modeHopper {
		return HopperTimeBuffer
	}
	return TimeBuffer
}

// timing returns the entry window in run seconds. An open end is +Inf.
func timing(e schedule.Entry) (float64, float64) {
	t0, t1 := 0.0, math.Inf(1)
	if e.Timing[0] != nil {
		t0 = *e.Timing[0]
	}
	if e.Timing[1] != nil {
		t1 = *e.Timing[1]
	}
	return t0, t1
}
