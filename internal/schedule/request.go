package schedule

import (
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultSignalLimit caps instances of a scripted run when the request is
// silent.
const DefaultSignalLimit = 10000

// Entry is one signal for one radio. A nil timing bound means the entry may
// play at any time.
type Entry struct {
	Signal map[string]any `yaml:"signal"`
	Timing [2]*float64    `yaml:"timing"`
}

// Timed reports whether the entry has a start time.
func (e Entry) Timed() bool { return e.Timing[0] != nil }

// Window builds a bounded timing pair.
func Window(start, stop float64) [2]*float64 {
	return [2]*float64{&start, &stop}
}

// RadioPlan is everything one radio is asked to play.
type RadioPlan struct {
	Seed    Seed
	Entries []Entry
}

// Request is the run_script payload. On the wire it is a YAML mapping with
// the reserved keys runtime, flags, toggles and signal_limit; every other key
// is a radio identity mapped to [seed, entry, entry, ...].
type Request struct {
	Runtime     float64
	Flags       int
	Toggles     map[string]any
	SignalLimit int
	Radios      map[string]*RadioPlan

	order []string
}

// NewRequest returns an empty request.
func NewRequest(runtime float64, flags int, toggles map[string]any) *Request {
	if toggles == nil {
		toggles = map[string]any{}
	}
	return &Request{Runtime: runtime, Flags: flags, Toggles: toggles, Radios: map[string]*RadioPlan{}}
}

// Append adds an entry for a radio, drawing its seed on first use.
func (r *Request) Append(radio string, e Entry, rng *rand.Rand) {
	plan, ok := r.Radios[radio]
	if !ok {
		plan = &RadioPlan{Seed: NewSeed(rng)}
		r.Radios[radio] = plan
		r.order = append(r.order, radio)
	}
	plan.Entries = append(plan.Entries, e)
}

// RadioOrder lists radio identities in insertion order.
func (r *Request) RadioOrder() []string {
	if len(r.order) == len(r.Radios) {
		return append([]string(nil), r.order...)
	}
	keys := make([]string, 0, len(r.Radios))
	for k := range r.Radios {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Toggle reports whether a boolean toggle is set.
func (r *Request) Toggle(name string) bool {
	v, ok := r.Toggles[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

var reservedKeys = map[string]bool{"runtime": true, "flags": true, "toggles": true, "signal_limit": true}

// MarshalYAML implements yaml.Marshaler.
func (r *Request) MarshalYAML() (any, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value any) error {
		var vn yaml.Node
		if err := vn.Encode(value); err != nil {
			return errors.Wrapf(err, "encode %s", key)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, &vn)
		return nil
	}
	if err := add("runtime", r.Runtime); err != nil {
		return nil, err
	}
	if err := add("flags", r.Flags); err != nil {
		return nil, err
	}
	toggles := r.Toggles
	if toggles == nil {
		toggles = map[string]any{}
	}
	if err := add("toggles", toggles); err != nil {
		return nil, err
	}
	if r.SignalLimit > 0 {
		if err := add("signal_limit", r.SignalLimit); err != nil {
			return nil, err
		}
	}
	for _, radio := range r.RadioOrder() {
		plan := r.Radios[radio]
		items := make([]any, 0, len(plan.Entries)+1)
		items = append(items, plan.Seed[:])
		for _, e := range plan.Entries {
			items = append(items, e)
		}
		if err := add(radio, items); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Request) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.New("schedule request must be a mapping")
	}
	*r = *NewRequest(0, KindConfig, nil)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		var err error
		switch key {
		case "runtime":
			err = val.Decode(&r.Runtime)
		case "flags":
			err = val.Decode(&r.Flags)
		case "toggles":
			if val.Tag != "!!null" {
				err = val.Decode(&r.Toggles)
			}
		case "signal_limit":
			err = val.Decode(&r.SignalLimit)
		default:
			err = r.decodeRadio(key, val)
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
	}
	if r.Toggles == nil {
		r.Toggles = map[string]any{}
	}
	return nil
}

func (r *Request) decodeRadio(radio string, val *yaml.Node) error {
	if val.Kind != yaml.SequenceNode || len(val.Content) == 0 {
		return errors.New("radio plan must be [seed, entries...]")
	}
	var words []uint64
	if err := val.Content[0].Decode(&words); err != nil {
		return errors.Wrap(err, "seed")
	}
	plan := &RadioPlan{Seed: SeedFromInts(words)}
	for _, item := range val.Content[1:] {
		var e Entry
		if err := item.Decode(&e); err != nil {
			return errors.Wrap(err, "entry")
		}
		if e.Signal == nil {
			e.Signal = map[string]any{}
		}
		plan.Entries = append(plan.Entries, e)
	}
	r.Radios[radio] = plan
	r.order = append(r.order, radio)
	return nil
}

// Reserved reports whether key is one of the request level keys.
func Reserved(key string) bool { return reservedKeys[key] }

// ParseRequest decodes a run_script payload.
func ParseRequest(text string) (*Request, error) {
	req := &Request{}
	if err := yaml.Unmarshal([]byte(text), req); err != nil {
		return nil, errors.Wrap(err, "parse schedule request")
	}
	if req.Radios == nil {
		return nil, errors.New("empty schedule request")
	}
	return req, nil
}

// Encode renders the request as its wire text.
func (r *Request) Encode() (string, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "encode schedule request")
	}
	return string(out), nil
}

// PickOverlapping keeps one random entry from each run of overlapping timed
// entries. A run starts at an entry and absorbs every following entry that
// starts before the first one ends. Untimed entries are kept after the timed
// survivors.
func PickOverlapping(entries []Entry, rng *rand.Rand) []Entry {
	var timed, loose []Entry
	for _, e := range entries {
		if e.Timed() {
			timed = append(timed, e)
		} else {
			loose = append(loose, e)
		}
	}
	sort.SliceStable(timed, func(i, j int) bool { return *timed[i].Timing[0] < *timed[j].Timing[0] })

	kept := make([]Entry, 0, len(timed)+len(loose))
	for i := 0; i < len(timed); {
		end := stopOf(timed[i])
		n := 1
		for i+n < len(timed) && *timed[i+n].Timing[0] < end {
			n++
		}
		kept = append(kept, timed[i+rng.IntN(n)])
		i += n
	}
	return append(kept, loose...)
}

func stopOf(e Entry) float64 {
	if e.Timing[1] == nil {
		return *e.Timing[0]
	}
	return *e.Timing[1]
}
