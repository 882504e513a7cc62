// Package truth reads, merges and stores the truth files generators write.
package truth

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Report is one entry of a truth file. Fields are kept generic so values we
// do not interpret survive a merge.
type Report map[string]any

// Type is report_type: energy, signal or source.
func (r Report) Type() string { return r.str("report_type") }

// InstanceName identifies the report within its file.
func (r Report) InstanceName() string { return r.str("instance_name") }

func (r Report) str(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func (r Report) strings(key string) []string {
	switch l := r[key].(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, v := range l {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// File is the {"reports": [...]} document.
type File struct {
	Reports []Report `json:"reports"`
}

// Parse decodes a truth file.
func Parse(data []byte) (File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, errors.Wrap(err, "decode truth file")
	}
	if f.Reports == nil {
		return File{}, errors.New("truth file has no reports list")
	}
	return f, nil
}

// Marshal renders the file with two space indentation.
func (f File) Marshal() ([]byte, error) {
	if f.Reports == nil {
		f.Reports = []Report{}
	}
	return json.MarshalIndent(f, "", "  ")
}

// Consolidate merges several truth files. Every instance name, energy set
// member and signal set member gains a ":<input index>" suffix so names from
// different files cannot collide. Energy and signal reports keep their
// order. Source reports are merged by device_origin: the first report seen
// for an origin is kept and its signal_set becomes the union across inputs.
// Merged sources follow the other reports in first seen order. Inputs that do
// not parse are skipped but still consume their index.
func Consolidate(inputs [][]byte) File {
	out := File{Reports: []Report{}}
	type merged struct {
		report Report
		set    []string
	}
	var origins []string
	sources := map[string]*merged{}

	for idx, data := range inputs {
		f, err := Parse(data)
		if err != nil {
			continue
		}
		ext := fmt.Sprintf(":%d", idx)
		for _, r := range f.Reports {
			if name, ok := r["instance_name"].(string); ok {
				r["instance_name"] = name + ext
			}
			switch r.Type() {
			case "energy":
				out.Reports = append(out.Reports, r)
			case "signal":
				set := r.strings("energy_set")
				renamed := make([]string, len(set))
				for i, e := range set {
					renamed[i] = e + ext
				}
				r["energy_set"] = renamed
				out.Reports = append(out.Reports, r)
			case "source":
				origin := r.str("device_origin")
				m, ok := sources[origin]
				if !ok {
					m = &merged{report: r, set: []string{}}
					sources[origin] = m
					origins = append(origins, origin)
				}
				for _, s := range r.strings("signal_set") {
					m.set = append(m.set, s+ext)
				}
			}
		}
	}
	for _, origin := range origins {
		m := sources[origin]
		m.report["signal_set"] = m.set
		out.Reports = append(out.Reports, m.report)
	}
	return out
}

// ConsolidatePaths reads and merges files. Unreadable files keep their index.
func ConsolidatePaths(paths []string) File {
	inputs := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		inputs[i] = data
	}
	return Consolidate(inputs)
}
