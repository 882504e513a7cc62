package main

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/wfgen/wfgen/internal/config"
	"github.com/wfgen/wfgen/internal/profile"
	"github.com/wfgen/wfgen/internal/rpc"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// catalogFlags is shared by every command that builds generator commands.
type catalogFlags struct {
	path string
}

func (f *catalogFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.path, "profiles", "", "Profile catalog overlay file (overrides $WFGEN_PROFILE_CATALOG)")
}

func (f *catalogFlags) load() (*profile.Catalog, error) {
	path := firstNonEmpty(f.path, config.String(config.EnvProfileCatalog, ""))
	if path == "" {
		return profile.Default()
	}
	return profile.Load(path)
}

// parseEndpoints accepts host, host:port and ssh://host[:port].
func parseEndpoints(items []string) ([]rpc.Endpoint, error) {
	out := make([]rpc.Endpoint, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		var ep rpc.Endpoint
		if rest, ok := strings.CutPrefix(item, "ssh://"); ok {
			ep.SSH = true
			item = rest
		}
		host, port, err := net.SplitHostPort(item)
		if err != nil {
			ep.Addr = item
			out = append(out, ep)
			continue
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, errors.Errorf("invalid port in server %q", item)
		}
		ep.Addr, ep.Port = host, n
		out = append(out, ep)
	}
	return out, nil
}
