package profile

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Families known to the catalog.
const (
	FamilyLinmod = "linmod"
	FamilyFSK    = "fskmod"
	FamilyAnalog = "afmod"
	FamilyTones  = "tones"
)

// Flag maps one generator parameter onto its command line switch. An
// empty Flag means the parameter is tracked but never passed.
type Flag struct {
	Param    string `yaml:"param"`
	Flag     string `yaml:"flag,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Family describes one generator executable.
type Family struct {
	Executable           string         `yaml:"executable"`
	SymbolRateReplacesBW bool           `yaml:"symbol_rate_replaces_bw,omitempty"`
	Extras               []Flag         `yaml:"extras,omitempty"`
	Defaults             map[string]any `yaml:"defaults,omitempty"`
}

// Entry is one named profile.
type Entry struct {
	Family     string         `yaml:"family"`
	Executable string         `yaml:"executable,omitempty"`
	NoExtras   bool           `yaml:"no_extras,omitempty"`
	Companion  string         `yaml:"companion,omitempty"`
	Modulation string         `yaml:"modulation,omitempty"`
	Defaults   map[string]any `yaml:"defaults,omitempty"`
}

// Catalog is the set of profiles a server can launch.
type Catalog struct {
	HopperExecutable string            `yaml:"hopper_executable"`
	HopperDefaults   map[string]any    `yaml:"hopper_defaults"`
	Families         map[string]Family `yaml:"families"`
	Aliases          map[string]string `yaml:"aliases"`
	Fallback         string            `yaml:"fallback"`
	WavCompanion     []string          `yaml:"wav_companion"`
	Profiles         map[string]Entry  `yaml:"profiles"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse decodes a catalog document and checks that every profile names a
// known family.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode profile catalog")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load returns the embedded catalog overlaid with the file at path. An
// empty path yields the embedded catalog unchanged.
func Load(path string) (*Catalog, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read profile catalog %s", path)
	}
	var user Catalog
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, errors.Wrapf(err, "decode profile catalog %s", path)
	}
	base.overlay(user)
	if err := base.validate(); err != nil {
		return nil, errors.Wrapf(err, "profile catalog %s", path)
	}
	return base, nil
}

func (c *Catalog) overlay(user Catalog) {
	if user.HopperExecutable != "" {
		c.HopperExecutable = user.HopperExecutable
	}
	for k, v := range user.HopperDefaults {
		c.HopperDefaults[k] = v
	}
	if c.Families == nil {
		c.Families = map[string]Family{}
	}
	for name, fam := range user.Families {
		c.Families[name] = fam
	}
	if c.Aliases == nil {
		c.Aliases = map[string]string{}
	}
	for k, v := range user.Aliases {
		c.Aliases[k] = v
	}
	if user.Fallback != "" {
		c.Fallback = user.Fallback
	}
	if len(user.WavCompanion) > 0 {
		c.WavCompanion = user.WavCompanion
	}
	if c.Profiles == nil {
		c.Profiles = map[string]Entry{}
	}
	for name, entry := range user.Profiles {
		c.Profiles[name] = entry
	}
}

func (c *Catalog) validate() error {
	if c.HopperDefaults == nil {
		c.HopperDefaults = map[string]any{}
	}
	for name, entry := range c.Profiles {
		if _, ok := c.Families[entry.Family]; !ok {
			return errors.Errorf("profile %s: unknown family %q", name, entry.Family)
		}
	}
	if c.Fallback != "" && !c.Has(c.Fallback) {
		return errors.Errorf("fallback profile %q is not in the catalog", c.Fallback)
	}
	return nil
}

// Names lists every profile, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name is a profile of this catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Profiles[name]
	return ok
}

// Family returns the family of the named profile.
func (c *Catalog) Family(name string) (string, bool) {
	entry, ok := c.Profiles[name]
	return entry.Family, ok
}

// Resolve maps a name seen in a truth trace onto a catalog profile. Trace
// names carry an instance suffix such as "dbpsk_0003"; the suffix and
// known aliases are resolved before falling back to the catalog default.
// The boolean is false when the fallback was used.
func (c *Catalog) Resolve(name string) (string, bool) {
	if c.Has(name) {
		return name, true
	}
	candidates := []string{name}
	if idx := strings.LastIndex(name, "_"); idx > 0 {
		candidates = append(candidates, name[:idx])
	}
	for _, cand := range candidates {
		if c.Has(cand) {
			return cand, true
		}
		if alias, ok := c.Aliases[cand]; ok && c.Has(alias) {
			return alias, true
		}
	}
	return c.Fallback, false
}
