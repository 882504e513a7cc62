// Package logging builds the zerolog logger shared by the wfgen binaries.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log lines go.
type Options struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// File, when set, receives a rotated copy of every line. "stderr" and
	// "/dev/null" are accepted as special names.
	File string
	// Component is attached to every line when non-empty.
	Component string
	// Console overrides the console writer destination (stderr by default).
	Console io.Writer
}

// New returns a logger writing human-readable lines to the console and,
// optionally, JSON lines to a rotated file.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if name := strings.TrimSpace(opts.Level); name != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(name))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "parse log level %q", name)
		}
		level = parsed
	}

	out := opts.Console
	if out == nil {
		out = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: out, NoColor: !isTerminal(out)}

	writers := []io.Writer{console}
	if path := strings.TrimSpace(opts.File); path != "" {
		sink, err := openFile(path)
		if err != nil {
			return zerolog.Nop(), err
		}
		if sink != nil {
			writers = append(writers, sink)
		}
	}

	var w io.Writer = console
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	return ctx.Logger(), nil
}

func openFile(path string) (io.Writer, error) {
	switch path {
	case "stderr":
		return nil, nil
	case "/dev/null":
		return io.Discard, nil
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, errors.Wrapf(err, "log directory for %s", path)
	}
	// lumberjack.Logger is safe for concurrent use.
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
