package fleet

import (
	"context"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Discoverer lists the radios attached to this host as raw text.
type Discoverer interface {
	Discover(ctx context.Context) (string, error)
}

// UHDDiscoverer shells out to uhd_find_devices.
type UHDDiscoverer struct {
	// Binary defaults to uhd_find_devices.
	Binary string
	// Restrict runs one search per entry with --args=<entry>.
	Restrict []string
	Logger   zerolog.Logger
}

// Discover returns the concatenated tool output, or NoDevices.
func (d UHDDiscoverer) Discover(ctx context.Context) (string, error) {
	bin := d.Binary
	if bin == "" {
		bin = "uhd_find_devices"
	}
	if len(d.Restrict) == 0 {
		out, err := exec.CommandContext(ctx, bin).Output()
		if err != nil {
			d.Logger.Warn().Err(err).Msg("no devices found, try using UHD arguments")
			return NoDevices, nil
		}
		return string(out), nil
	}
	var found []string
	for _, restrict := range d.Restrict {
		out, err := exec.CommandContext(ctx, bin, "--args="+restrict).Output()
		if err != nil {
			d.Logger.Warn().Err(err).Str("restriction", restrict).Msg("no devices found with restriction")
			continue
		}
		found = append(found, string(out))
	}
	if len(found) == 0 {
		return NoDevices, nil
	}
	return strings.Join(found, "\n"), nil
}

// StaticDiscoverer returns canned text; useful for labs without hardware.
type StaticDiscoverer string

// Discover implements Discoverer.
func (s StaticDiscoverer) Discover(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return NoDevices, nil
	}
	return string(s), nil
}
