package rpc

import (
	"context"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OutwardInterface returns the local address that routes to a public
// resolver. Dialing UDP sends no packets. It falls back to loopback.
func OutwardInterface() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// HostID returns a best-effort hardware identity for this host. On Linux it
// prefers /etc/machine-id then /sys/class/dmi/id/product_uuid, falling back
// to the hostname.
func HostID() string {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.Command("bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'").Output()
		if err == nil && strings.TrimSpace(string(out)) != "" {
			return strings.TrimSpace(string(out))
		}
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if id, err := readSystemFile(path); err == nil && id != "" {
				return id
			}
		}
	}
	name, _ := os.Hostname()
	return name
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Tunnel is an ssh port forward from 127.0.0.1:port to the same port on a
// remote host.
type Tunnel struct {
	cmd *exec.Cmd
}

// OpenTunnel starts `ssh -N -L port:addr:port addr` and waits until the
// local side accepts connections.
func OpenTunnel(ctx context.Context, ep Endpoint, wait time.Duration) (*Tunnel, error) {
	port := ep.Port
	if port == 0 {
		port = DefaultPort
	}
	forward := strings.Join([]string{strconv.Itoa(port), ep.Addr, strconv.Itoa(port)}, ":")
	cmd := exec.Command("ssh", "-N", "-o", "ExitOnForwardFailure=yes", "-L", forward, ep.Addr)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start ssh tunnel to %s", ep.Addr)
	}
	t := &Tunnel{cmd: cmd}

	local := ep.DialAddr()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		conn, err := net.DialTimeout("tcp", local, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return t, nil
		}
		select {
		case <-ctx.Done():
			t.Close()
			return nil, ctx.Err()
		case <-deadline.C:
			t.Close()
			return nil, errors.Errorf("ssh tunnel to %s did not come up within %s", ep.Addr, wait)
		case <-ticker.C:
		}
	}
}

// Close stops the ssh process.
func (t *Tunnel) Close() error {
	if t == nil || t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	return nil
}
