// Package command defines the closed set of requests a server understands and
// converts them to and from the ordered string parts carried on the wire.
package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Verbs in the order help lists them.
const (
	VerbHelp        = "help"
	VerbPing        = "ping"
	VerbGetRadios   = "get_radios"
	VerbGetActive   = "get_active"
	VerbGetFinished = "get_finished"
	VerbStartRadio  = "start_radio"
	VerbRunRandom   = "run_random"
	VerbKill        = "kill"
	VerbShutdown    = "shutdown"
	VerbGetTruth    = "get_truth"
	VerbRunScript   = "run_script"
)

var verbs = []string{
	VerbHelp, VerbPing, VerbGetRadios, VerbGetActive, VerbGetFinished,
	VerbStartRadio, VerbRunRandom, VerbKill, VerbShutdown, VerbGetTruth, VerbRunScript,
}

// Verbs lists every verb the server accepts.
func Verbs() []string {
	return append([]string(nil), verbs...)
}

// Generator modes for start_radio. Modes prefixed with ExecPrefix name an
// executable that is run with the remaining parts as its argv.
const (
	ModeStatic = "static"
	ModeReplay = "replay"
	ModeBursty = "bursty"
	ModeHopper = "hopper"
	ExecPrefix = "wfgen_"
)

// Command is one decoded request.
type Command interface {
	Verb() string
}

type (
	Help        struct{}
	Ping        struct{}
	GetRadios   struct{}
	GetActive   struct{}
	GetFinished struct{}
)

// Param is one key/value pair of a start_radio request. Order is kept and
// keys may repeat.
type Param struct {
	Key   string
	Value string
}

// StartRadio asks for one generator on one radio.
type StartRadio struct {
	Mode       string
	DeviceArgs string
	Profile    string
	Params     []Param
	// Exec is the argv for wfgen_* modes; Profile and Params are unused then.
	Exec  []string
	Quiet bool
}

// RunRandom carries a YAML random-run request.
type RunRandom struct{ YAML string }

// RunScript carries a YAML schedule request.
type RunScript struct{ YAML string }

// Kill stops jobs by pid.
type Kill struct{ PIDs []int }

// GetTruth consolidates and returns the truth report.
type GetTruth struct{ Filename string }

// Shutdown stops the server. Quiet suppresses the reply.
type Shutdown struct{ Quiet bool }

func (Help) Verb() string        { return VerbHelp }
func (Ping) Verb() string        { return VerbPing }
func (GetRadios) Verb() string   { return VerbGetRadios }
func (GetActive) Verb() string   { return VerbGetActive }
func (GetFinished) Verb() string { return VerbGetFinished }
func (StartRadio) Verb() string  { return VerbStartRadio }
func (RunRandom) Verb() string   { return VerbRunRandom }
func (RunScript) Verb() string   { return VerbRunScript }
func (Kill) Verb() string        { return VerbKill }
func (GetTruth) Verb() string    { return VerbGetTruth }
func (Shutdown) Verb() string    { return VerbShutdown }

// IsExec reports whether the request runs an executable directly.
func (s StartRadio) IsExec() bool { return strings.HasPrefix(s.Mode, ExecPrefix) }

// Serial is the serial named in DeviceArgs.
func (s StartRadio) Serial() string {
	pos := strings.Index(s.DeviceArgs, "serial=")
	if pos < 0 {
		return ""
	}
	tail := s.DeviceArgs[pos+len("serial="):]
	if comma := strings.IndexByte(tail, ','); comma > 0 {
		return tail[:comma]
	}
	return tail
}

// Param returns the last value given for key.
func (s StartRadio) Param(key string) (string, bool) {
	val, found := "", false
	for _, p := range s.Params {
		if p.Key == key {
			val, found = p.Value, true
		}
	}
	return val, found
}

// ProtocolError reports a request the server cannot decode.
type ProtocolError struct {
	Verb string
	// Unknown is set when the verb itself is not recognised.
	Unknown bool
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("unknown command %q", e.Verb)
	}
	return fmt.Sprintf("malformed %s: %s", e.Verb, e.Reason)
}

func malformed(verb, format string, args ...any) error {
	return &ProtocolError{Verb: verb, Reason: fmt.Sprintf(format, args...)}
}

// Decode converts wire parts into a Command.
func Decode(parts []string) (Command, error) {
	if len(parts) == 0 {
		return nil, &ProtocolError{Unknown: true}
	}
	verb, rest := parts[0], parts[1:]
	switch verb {
	case VerbHelp:
		return Help{}, nil
	case VerbPing:
		return Ping{}, nil
	case VerbGetRadios:
		return GetRadios{}, nil
	case VerbGetActive:
		return GetActive{}, nil
	case VerbGetFinished:
		return GetFinished{}, nil
	case VerbStartRadio:
		return decodeStartRadio(rest)
	case VerbRunRandom, VerbRunScript:
		payload := strings.TrimSpace(strings.Join(rest, " "))
		if payload == "" {
			return nil, malformed(verb, "missing yaml payload")
		}
		if verb == VerbRunRandom {
			return RunRandom{YAML: payload}, nil
		}
		return RunScript{YAML: payload}, nil
	case VerbKill:
		if len(rest) == 0 {
			return nil, malformed(verb, "no pid given")
		}
		k := Kill{PIDs: make([]int, 0, len(rest))}
		for _, raw := range rest {
			pid, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return nil, malformed(verb, "pid %q is not a number", raw)
			}
			k.PIDs = append(k.PIDs, pid)
		}
		return k, nil
	case VerbGetTruth:
		g := GetTruth{}
		if len(rest) > 0 && rest[0] != "None" {
			g.Filename = rest[0]
		}
		return g, nil
	case VerbShutdown:
		return Shutdown{Quiet: len(rest) > 0 && rest[0] == "quiet"}, nil
	}
	return nil, &ProtocolError{Verb: verb, Unknown: true}
}

func decodeStartRadio(rest []string) (Command, error) {
	if len(rest) == 0 {
		return nil, malformed(VerbStartRadio, "missing mode")
	}
	s := StartRadio{Mode: rest[0]}
	if s.IsExec() {
		for i, part := range rest {
			switch {
			case part == "quiet":
				s.Quiet = true
				continue
			case part == "-a" && i+1 < len(rest):
				s.DeviceArgs = rest[i+1]
			case strings.HasPrefix(part, "-a "):
				s.DeviceArgs = strings.TrimSpace(part[3:])
			}
			s.Exec = append(s.Exec, part)
		}
		if s.DeviceArgs == "" {
			return nil, malformed(VerbStartRadio, "missing -a device args")
		}
		return s, nil
	}
	switch s.Mode {
	case ModeStatic, ModeReplay, ModeBursty, ModeHopper:
	default:
		return nil, malformed(VerbStartRadio, "unknown mode %q", s.Mode)
	}
	if len(rest) < 3 || !strings.HasPrefix(rest[1], "-a") {
		return nil, malformed(VerbStartRadio, "expected <mode> \"-a <args>\" <profile> [k v]...")
	}
	s.DeviceArgs = strings.TrimSpace(strings.TrimPrefix(rest[1], "-a"))
	if s.DeviceArgs == "" {
		return nil, malformed(VerbStartRadio, "missing -a device args")
	}
	s.Profile = rest[2]
	kv := rest[3:]
	if len(kv)%2 != 0 {
		return nil, malformed(VerbStartRadio, "parameters must come in key value pairs")
	}
	for i := 0; i < len(kv); i += 2 {
		if kv[i] == "quiet" {
			s.Quiet = kv[i+1] != "false" && kv[i+1] != "0"
			continue
		}
		s.Params = append(s.Params, Param{Key: kv[i], Value: kv[i+1]})
	}
	return s, nil
}

// Encode converts a Command into wire parts.
func Encode(cmd Command) []string {
	switch c := cmd.(type) {
	case StartRadio:
		if c.IsExec() {
			out := append([]string{VerbStartRadio}, c.Exec...)
			if len(c.Exec) == 0 {
				out = append(out, c.Mode, "-a", c.DeviceArgs)
			}
			if c.Quiet {
				out = append(out, "quiet")
			}
			return out
		}
		out := []string{VerbStartRadio, c.Mode, "-a " + c.DeviceArgs, c.Profile}
		for _, p := range c.Params {
			out = append(out, p.Key, p.Value)
		}
		if c.Quiet {
			out = append(out, "quiet", "true")
		}
		return out
	case RunRandom:
		return []string{VerbRunRandom, c.YAML}
	case RunScript:
		return []string{VerbRunScript, c.YAML}
	case Kill:
		out := []string{VerbKill}
		for _, pid := range c.PIDs {
			out = append(out, strconv.Itoa(pid))
		}
		return out
	case GetTruth:
		if c.Filename == "" {
			return []string{VerbGetTruth}
		}
		return []string{VerbGetTruth, c.Filename}
	case Shutdown:
		if c.Quiet {
			return []string{VerbShutdown, "quiet"}
		}
		return []string{VerbShutdown, "now"}
	case nil:
		return nil
	}
	return []string{cmd.Verb()}
}

// Line renders a command as a single line for job listings and logs. Payload
// verbs are shortened to their verb.
func Line(cmd Command) string {
	switch cmd.(type) {
	case RunRandom, RunScript:
		return cmd.Verb()
	}
	return strings.Join(Encode(cmd), " ")
}
