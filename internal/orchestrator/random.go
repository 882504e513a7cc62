package orchestrator

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/wfgen/wfgen/internal/fleet"
	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/schedule"
)

// Random run defaults.
const (
	DefaultRuntime       = 300.0
	DefaultInstanceLimit = 1000
	DefaultPatience      = 20.0

	maxRate = 25e6
	minRate = 220e3
)

var (
	sourceLimits = []string{"gain_limits", "digital_gain_limits", "digital_cycle_limits"}
	signalLimits = []string{"freq_limits", "span_limits", "duration_limits"}
	energyLimits = []string{"bw_limits", "burst_dwell_limits", "burst_idle_limits"}

	// sourceFallback applies when neither the run nor the profile names a
	// source limit.
	sourceFallback = map[string]any{
		"gain_limits":          []any{30, 60},
		"digital_gain_limits":  0.0,
		"digital_cycle_limits": 2.0,
	}

	// randomParams maps generator parameters to the limit they are drawn
	// from, in draw order.
	randomParams = [][2]string{
		{"gain", "gain_limits"},
		{"gain_range", "digital_gain_limits"},
		{"gain_cycle", "digital_cycle_limits"},
		{"frequency", "freq_limits"},
		{"span", "span_limits"},
		{"duration", "duration_limits"},
		{"dwell_range", "burst_dwell_limits"},
		{"idle_range", "burst_idle_limits"},
	}
)

// RandomPlan is a validated run_random request.
type RandomPlan struct {
	Bands            any                       `yaml:"bands"`
	Runtime          float64                   `yaml:"runtime"`
	Seed             schedule.Seed             `yaml:"seed"`
	InstanceLimit    int                       `yaml:"instance_limit"`
	Profiles         []string                  `yaml:"profiles"`
	Radios           []int                     `yaml:"radios"`
	Patience         any                       `yaml:"patience,omitempty"`
	ProfileDefaults  map[string]any            `yaml:"profile_defaults"`
	ProfileSpecifics map[string]map[string]any `yaml:"profile_specifics,omitempty"`
}

// ParseRandomRequest decodes a run_random payload against the current fleet
// and catalog, filling every default.
func ParseRandomRequest(text string, state *fleet.State, catalog *profile.Catalog) (*RandomPlan, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return nil, errors.Wrap(err, "parse random request")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	plan := &RandomPlan{
		Bands:         []any{[]any{100e6, 6e9}},
		Runtime:       DefaultRuntime,
		InstanceLimit: DefaultInstanceLimit,
		Patience:      DefaultPatience,
	}
	if v, ok := raw["bands"]; ok && v != nil {
		plan.Bands = v
	}
	if v, ok := raw["runtime"]; ok && v != nil {
		rt, ok := schedule.ToFloat(v)
		if !ok || rt <= 0 {
			return nil, errors.Errorf("invalid runtime %v", v)
		}
		plan.Runtime = rt
	}
	if v, ok := raw["instance_limit"]; ok && v != nil {
		n, ok := schedule.ToInt(v)
		if !ok {
			f, fok := schedule.ToFloat(v)
			if !fok {
				return nil, errors.Errorf("invalid instance_limit %v", v)
			}
			n = int(f)
		}
		plan.InstanceLimit = n
	}
	if v, ok := raw["patience"]; ok && v != nil {
		plan.Patience = v
	}
	seed, err := seedFrom(raw["seed"])
	if err != nil {
		return nil, err
	}
	plan.Seed = seed

	radios, err := idleRadios(raw["radios"], state)
	if err != nil {
		return nil, err
	}
	plan.Radios = radios

	if v, ok := raw["profiles"]; ok && v != nil {
		names, err := stringList(v)
		if err != nil {
			return nil, errors.Wrap(err, "profiles")
		}
		var unknown []string
		for _, n := range names {
			if !catalog.Has(n) {
				unknown = append(unknown, n)
			}
		}
		if len(unknown) > 0 {
			return nil, errors.Errorf("Cannot run the requested profiles %v", unknown)
		}
		plan.Profiles = names
	} else {
		plan.Profiles = catalog.Names()
	}
	if len(plan.Profiles) == 0 {
		return nil, errors.New("no profiles to run")
	}

	plan.ProfileDefaults = limitDefaults(raw, plan)
	for _, name := range plan.Profiles {
		if spec, ok := raw[name].(map[string]any); ok {
			if plan.ProfileSpecifics == nil {
				plan.ProfileSpecifics = map[string]map[string]any{}
			}
			plan.ProfileSpecifics[name] = spec
		}
	}
	return plan, nil
}

// limitDefaults reads the limit keys from profile_defaults when present and
// from the top level of the request otherwise.
func limitDefaults(raw map[string]any, plan *RandomPlan) map[string]any {
	src := raw
	if pd, ok := raw["profile_defaults"].(map[string]any); ok {
		src = pd
	}
	fallback := map[string]any{
		"gain_limits":          50,
		"digital_gain_limits":  0.0,
		"digital_cycle_limits": 2.0,
		"freq_limits":          plan.Bands,
		"span_limits":          []any{[]any{5e3, 20e6}},
		"duration_limits":      []any{[]any{0.1, plan.Runtime}},
		"bw_limits":            []any{[]any{5e3, 50e3}, []any{1e6, 2e6}},
		"burst_dwell_limits":   []any{[]any{0.05, 1.0}, []any{10.0, 20.0}},
		"burst_idle_limits":    []any{[]any{0.5, 1.0}, []any{1.0, 2.0}},
	}
	out := make(map[string]any, len(fallback))
	for _, group := range [][]string{sourceLimits, signalLimits, energyLimits} {
		for _, key := range group {
			if v, ok := src[key]; ok && v != nil {
				out[key] = v
			} else {
				out[key] = fallback[key]
			}
		}
	}
	out["duration_limits"] = clampNumbers(out["duration_limits"], plan.Runtime)
	return out
}

// clampNumbers caps every number in a nested limit list.
func clampNumbers(v any, limit float64) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = clampNumbers(item, limit)
		}
		return out
	}
	if f, ok := schedule.ToFloat(v); ok && f > limit {
		if _, isInt := asInt(v); isInt {
			return int64(limit)
		}
		return limit
	}
	return v
}

func seedFrom(v any) (schedule.Seed, error) {
	switch t := v.(type) {
	case nil:
		return schedule.NewSeed(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))), nil
	case []any:
		words := make([]uint64, 0, len(t))
		for _, item := range t {
			n, ok := asInt(item)
			if !ok {
				return schedule.Seed{}, errors.Errorf("invalid seed word %v", item)
			}
			words = append(words, uint64(n))
		}
		return schedule.SeedFromInts(words), nil
	}
	n, ok := asInt(v)
	if !ok {
		return schedule.Seed{}, errors.Errorf("invalid seed %v", v)
	}
	return schedule.SeedFromInts([]uint64{uint64(n)}), nil
}

// idleRadios validates the requested radio ids; nil means every idle radio.
func idleRadios(v any, state *fleet.State) ([]int, error) {
	if v == nil {
		idle := state.Idle()
		if len(idle) == 0 {
			return nil, errors.Wrap(fleet.ErrConflict, "no idle radios")
		}
		return idle, nil
	}
	list, ok := v.([]any)
	if !ok {
		list = []any{v}
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		id, ok := schedule.ToInt(item)
		if !ok || id < 0 || id >= state.Len() || !state.IsIdle(id) {
			return nil, errors.Wrapf(fleet.ErrConflict, "Cannot claim the requested radios %v", v)
		}
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Errorf("expected a name, got %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.Errorf("expected a list of names, got %v", v)
}

// RandomWorker drives one radio of a random run.
type RandomWorker struct {
	runner
	plan *RandomPlan
	rng  *rand.Rand
}

// NewRandomWorker prepares the worker for radioArgs, seeded with seed.
func NewRandomWorker(radioArgs string, plan *RandomPlan, shared *SharedState, truthDir string, seed schedule.Seed, env Env) *RandomWorker {
	return &RandomWorker{
		runner: env.runner(radioArgs, shared, secondsToDuration(plan.Runtime), truthDir),
		plan:   plan,
		rng:    seed.Rand(),
	}
}

// Run launches random instances until the quota or the run window is used
// up, or ctx ends.
func (w *RandomWorker) Run(ctx context.Context) error {
	p, err := WiseChoice("patience", w.plan.Patience, w.rng)
	if err != nil {
		return err
	}
	patience := secondsToDuration(floatOr(p, DefaultPatience))

	failures := 0
	for ctx.Err() == nil && !w.shared.Ended(w.now()) {
		name, params, err := w.draw()
		if err != nil {
			w.logger.Error().Err(err).Msg("cannot draw random parameters, worker retiring")
			return nil
		}
		dur, hasDur := schedule.ToFloat(params["duration"])
		out, err := w.run(ctx, launch{
			profile:  name,
			params:   params,
			patience: patience,
			deadline: func(started, _, runEnd time.Time) time.Time {
				if hasDur {
					return started.Add(secondsToDuration(dur))
				}
				return runEnd
			},
		})
		switch {
		case errors.Is(err, errExhausted):
			w.logger.Info().Msg("instance quota reached")
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			w.logger.Error().Err(err).Str("profile", name).Msg("launch failed")
		}
		if !out.started {
			failures++
			if failures >= maxStartupFailures {
				w.logger.Warn().Int("failures", failures).Msg("generator keeps failing, worker retiring")
				return nil
			}
			continue
		}
		failures = 0
	}
	return nil
}

// draw picks a profile and draws every generator parameter from the limits
// that apply to it.
func (w *RandomWorker) draw() (string, map[string]any, error) {
	choices := make([]any, len(w.plan.Profiles))
	for i, p := range w.plan.Profiles {
		choices[i] = p
	}
	picked, err := WiseChoice("profiles", choices, w.rng)
	if err != nil {
		return "", nil, err
	}
	name, _ := picked.(string)
	spec := w.plan.ProfileSpecifics[name]
	limits := effectiveLimits(w.plan.ProfileDefaults, spec)

	mapping := append([][2]string{}, randomParams...)
	mapping = append(mapping, extraKeyMap(spec)...)
	params := map[string]any{}
	for _, m := range mapping {
		v, err := WiseChoice(m[1], limits[m[1]], w.rng)
		if err != nil {
			return "", nil, errors.Wrapf(err, "profile %s", name)
		}
		if v != nil {
			params[m[0]] = v
		}
	}

	bw, err := WiseChoice("bandwidth", limits["bw_limits"], w.rng)
	if err != nil {
		return "", nil, errors.Wrapf(err, "profile %s", name)
	}
	if bandwidth, ok := schedule.ToFloat(bw); ok {
		rate := math.Max(math.Min(2*bandwidth, maxRate), minRate)
		params["rate"] = rate
		if bandwidth > maxRate {
			params["bw"] = 0.9
		} else {
			params["bw"] = bandwidth / rate
		}
	}
	return name, params, nil
}

// effectiveLimits layers profile specific limits over the run defaults.
// Source limits always apply; signal and energy limits can be kept at the
// profile's own values with disable_signal_overwrite / disable_energy_overwrite.
func effectiveLimits(defaults, spec map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range spec {
		if !isLimitKey(k) {
			out[k] = v
		}
	}
	for _, key := range sourceLimits {
		if v, ok := spec[key]; ok {
			out[key] = v
		} else if v, ok := defaults[key]; ok {
			out[key] = v
		} else {
			out[key] = sourceFallback[key]
		}
	}
	layer := func(keys []string, disable string) {
		if truthyValue(spec[disable]) {
			return
		}
		for _, key := range keys {
			if v, ok := spec[key]; ok {
				out[key] = v
			} else if v, ok := defaults[key]; ok {
				out[key] = v
			}
		}
	}
	layer(signalLimits, "disable_signal_overwrite")
	layer(energyLimits, "disable_energy_overwrite")
	return out
}

func isLimitKey(key string) bool {
	for _, group := range [][]string{sourceLimits, signalLimits, energyLimits} {
		for _, k := range group {
			if k == key {
				return true
			}
		}
	}
	return false
}

func extraKeyMap(spec map[string]any) [][2]string {
	list, _ := spec["extra_key_map"].([]any)
	var out [][2]string
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		param, ok1 := pair[0].(string)
		lookup, ok2 := pair[1].(string)
		if ok1 && ok2 {
			out = append(out, [2]string{param, lookup})
		}
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Env is what workers need from the supervising process.
type Env struct {
	Catalog  *profile.Catalog
	Launcher Launcher
	Logger   zerolog.Logger
	// Grace bounds the wait for a generator after SIGINT.
	Grace time.Duration
	Now   func() time.Time
}

func (e Env) runner(radioArgs string, shared *SharedState, runtime time.Duration, truthDir string) runner {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	grace := e.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	serial := fleet.SerialFromArgs(radioArgs)
	return runner{
		catalog:   e.Catalog,
		launcher:  e.Launcher,
		shared:    shared,
		runtime:   runtime,
		truthDir:  truthDir,
		radioArgs: radioArgs,
		serial:    serial,
		grace:     grace,
		logger:    e.Logger.With().Str("serial", serial).Logger(),
		now:       now,
	}
}
