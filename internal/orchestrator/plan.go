package orchestrator

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
	"gopkg.in/yaml.v3"
)

// Plan kinds.
const (
	KindRandom = "random"
	KindScript = "script"
)

// Plan is everything a supervisor process needs to run: the server writes it
// next to the truth files and re-executes itself to run it.
type Plan struct {
	Kind          string      `yaml:"kind"`
	RunID         string      `yaml:"run_id"`
	TruthDir      string      `yaml:"truth_dir"`
	StartInstance int         `yaml:"start_instance"`
	InstanceLimit int         `yaml:"instance_limit"`
	Runtime       float64     `yaml:"runtime"`
	Random        *RandomPlan `yaml:"random,omitempty"`
	Script        *ScriptPlan `yaml:"script,omitempty"`
	// Radios holds the device args of each worker slot.
	Radios []string `yaml:"radios"`
}

// NewRandomPlan wraps a random run.
func NewRandomPlan(rp *RandomPlan, radioArgs []string, truthDir string, startInstance int) *Plan {
	return &Plan{
		Kind:          KindRandom,
		RunID:         ksuid.New().String(),
		TruthDir:      truthDir,
		StartInstance: startInstance,
		InstanceLimit: rp.InstanceLimit,
		Runtime:       rp.Runtime,
		Random:        rp,
		Radios:        radioArgs,
	}
}

// NewScriptPlan wraps a scripted run.
func NewScriptPlan(sp *ScriptPlan, truthDir string, startInstance int) *Plan {
	args := make([]string, len(sp.Radios))
	for i, r := range sp.Radios {
		args[i] = r.Args
	}
	return &Plan{
		Kind:          KindScript,
		RunID:         ksuid.New().String(),
		TruthDir:      truthDir,
		StartInstance: startInstance,
		InstanceLimit: sp.SignalLimit,
		Runtime:       sp.Runtime,
		Script:        sp,
		Radios:        args,
	}
}

// Validate checks the plan is runnable.
func (p *Plan) Validate() error {
	if len(p.Radios) == 0 {
		return errors.New("plan has no radios")
	}
	switch p.Kind {
	case KindRandom:
		if p.Random == nil {
			return errors.New("random plan without random section")
		}
	case KindScript:
		if p.Script == nil {
			return errors.New("script plan without script section")
		}
		if len(p.Script.Radios) != len(p.Radios) {
			return errors.New("script plan radios do not match")
		}
	default:
		return errors.Errorf("unknown plan kind %q", p.Kind)
	}
	return nil
}

// Write stores the plan in dir and returns its path.
func (p *Plan) Write(dir string) (string, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "encode plan")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create plan dir")
	}
	path := filepath.Join(dir, "plan_"+p.Kind+"_"+p.RunID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write plan")
	}
	return path, nil
}

// ReadPlan loads a plan written by Write.
func ReadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read plan")
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "decode plan %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "plan %s", path)
	}
	return &p, nil
}
