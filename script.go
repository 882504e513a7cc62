package wfgen

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/schedule"
)

// Keys a declarative signal config may carry. Anything else is ignored.
var (
	sourceKeys = []string{"device"}
	signalKeys = []string{
		"activity_type", "freq_lo", "freq_hi", "span", "band_center", "mode",
		"profile", "rate", "bw", "duration", "time_start", "time_stop",
		"idle", "gain", "src_fq", "signal_limit",
	}
	energyKeys = []string{"dwell", "absence", "frequency"}
)

// Script is a run_script source loaded from disk: either a recorded truth
// trace or a declarative main.json.
type Script struct {
	Path    string
	Flags   int
	Runtime float64
	Toggles map[string]any
	// Trace is set for recorded traces.
	Trace *schedule.Trace
	// Signals is set for declarative configs.
	Signals []schedule.Signal
}

// ScriptFlags classifies a script by name and content.
func ScriptFlags(path string, data []byte) int {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "output-") && strings.HasSuffix(base, "-truth.json"):
		return schedule.KindTruth
	case strings.Contains(base, "NGC"):
		return schedule.KindSponsor
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &head); err == nil {
		if _, ok := head["reports"]; ok {
			return schedule.KindReplay
		}
	}
	return schedule.KindConfig
}

// LoadScript reads a trace or a declarative config. Config files whose
// profile the catalog does not know are skipped.
func LoadScript(path string, catalog *profile.Catalog) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read script")
	}
	flags := ScriptFlags(path, data)
	if schedule.IsTrace(flags) {
		tr, err := schedule.LoadTrace(data, flags)
		if err != nil {
			return nil, errors.Wrapf(err, "load trace %s", path)
		}
		return &Script{Path: path, Flags: flags, Runtime: tr.Runtime, Toggles: map[string]any{}, Trace: tr}, nil
	}
	return loadDeclarative(path, data, catalog)
}

type mainConfig struct {
	Runtime    *float64       `json:"runtime"`
	Configs    []string       `json:"configs"`
	Toggles    map[string]any `json:"toggles"`
	Parameters map[string]any `json:"parameters"`
}

func loadDeclarative(path string, data []byte, catalog *profile.Catalog) (*Script, error) {
	var main mainConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &main); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if main.Runtime == nil || main.Configs == nil {
		return nil, errors.Errorf("config %s needs runtime and configs", path)
	}
	paths, err := expandConfigs(filepath.Dir(path), main.Configs)
	if err != nil {
		return nil, err
	}

	script := &Script{Path: path, Flags: schedule.KindConfig, Runtime: *main.Runtime, Toggles: main.Toggles}
	if script.Toggles == nil {
		script.Toggles = map[string]any{}
	}
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrap(err, "read signal config")
		}
		var cfg map[string]any
		if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
			return nil, errors.Wrapf(err, "decode signal config %s", p)
		}
		name, _ := cfg["profile"].(string)
		if name == "" || (catalog != nil && !catalog.Has(name)) {
			continue
		}
		sig, err := signalFromConfig(cfg, main.Parameters)
		if err != nil {
			return nil, errors.Wrapf(err, "signal config %s", p)
		}
		script.Signals = append(script.Signals, sig)
	}
	return script, nil
}

// expandConfigs resolves config names relative to dir. Names may glob; "**"
// matches any depth.
func expandConfigs(dir string, names []string) ([]string, error) {
	var all []string
	for _, name := range names {
		pattern := filepath.Join(dir, name+".json")
		switch {
		case strings.Contains(pattern, "**"):
			root, rest, _ := strings.Cut(pattern, "**")
			base := filepath.Base(rest)
			err := filepath.WalkDir(filepath.Clean(root), func(p string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				if ok, _ := filepath.Match(base, d.Name()); ok {
					all = append(all, p)
				}
				return nil
			})
			if err != nil {
				return nil, errors.Wrapf(err, "expand %s", name)
			}
		case strings.Contains(pattern, "*"):
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, errors.Wrapf(err, "expand %s", name)
			}
			all = append(all, matches...)
		default:
			all = append(all, pattern)
		}
	}
	sort.Slice(all, func(i, j int) bool { return strings.ToLower(all[i]) < strings.ToLower(all[j]) })
	return all, nil
}

// signalFromConfig keeps the known keys of cfg. System parameters override
// the file, except for profile. A band is either band_center+span or
// freq_lo+freq_hi.
func signalFromConfig(cfg, params map[string]any) (schedule.Signal, error) {
	pick := func(key string) (any, bool) {
		if v, ok := params[key]; ok && key != "profile" {
			return v, true
		}
		v, ok := cfg[key]
		return v, ok
	}
	has := func(key string) bool {
		_, inParams := params[key]
		_, inCfg := cfg[key]
		return inParams || inCfg
	}

	out := map[string]any{}
	skip := map[string]bool{"band_center": true, "span": true}
	if has("band_center") {
		if !has("span") {
			return schedule.Signal{}, errors.New("band_center given without span")
		}
		skip = map[string]bool{"freq_lo": true, "freq_hi": true}
	}
	for _, group := range [][]string{sourceKeys, signalKeys, energyKeys} {
		for _, key := range group {
			if skip[key] {
				continue
			}
			if v, ok := pick(key); ok {
				out[key] = v
			}
		}
	}
	return schedule.NewSignal(out), nil
}

// Request plans the script onto radios. Traces are assigned without double
// booking a radio; declarative signals go to the radios their device field
// names, or to every radio.
func (s *Script) Request(radios []string, seed schedule.Seed, catalog *profile.Catalog, logger zerolog.Logger) *schedule.Request {
	rng := seed.Rand()
	if s.Trace == nil {
		req := schedule.NewRequest(s.Runtime, s.Flags, s.Toggles)
		picks := schedule.AssignDeclarative(s.Signals, radios)
		for i, sig := range s.Signals {
			e := schedule.Entry{Signal: sig.Fields}
			if start, ok := sig.Start(); ok {
				e.Timing[0] = &start
			}
			if stop, ok := sig.Stop(); ok {
				e.Timing[1] = &stop
			}
			for _, r := range picks[i] {
				req.Append(radios[r], e, rng)
			}
		}
		return req
	}

	tr := s.Trace
	if catalog != nil {
		resolveTraceProfiles(tr, catalog, logger)
	}
	if needed := schedule.NeededRadios(tr.Signals); needed > len(radios) {
		logger.Warn().Int("needed", needed).Int("available", len(radios)).
			Msg("fewer radios are available than needed, will drop signals")
	}
	asg := schedule.AssignTrace(tr, radios, schedule.NewSeed(rng), logger)
	req := asg.Request(tr, radios, rng)
	req.Toggles = s.Toggles
	return req
}

// resolveTraceProfiles maps recorded names onto catalog profiles. Recordings
// from other systems lose signals the catalog cannot replay; our own keep
// the catalog default.
func resolveTraceProfiles(tr *schedule.Trace, catalog *profile.Catalog, logger zerolog.Logger) {
	for _, sig := range tr.Signals {
		name := sig.Profile()
		if name == "" {
			continue
		}
		resolved, ok := catalog.Resolve(name)
		if !ok && tr.Flags != schedule.KindReplay {
			logger.Debug().Str("instance", sig.InstanceName()).Str("profile", name).Msg("no replay profile")
			for _, key := range []string{"profile", "wg_profile_name", "mod_src_name"} {
				delete(sig.Fields, key)
			}
			continue
		}
		sig.Fields["profile"] = resolved
	}
}
