package protocol

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPrefix is the well-known endpoint prefix shared by client and
// host. A client that knows the host's pid can always compute the
// endpoint without a discovery step.
const DefaultPrefix = "testbridge"

// EndpointName returns the deterministic endpoint path for a host
// process. The name is a pure function of (prefix, pid, version) and is
// stable for the lifetime of that host process instance.
func EndpointName(prefix string, hostPID int, version string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	name := fmt.Sprintf("%s-%d", prefix, hostPID)
	if v := NormalizeVersion(version); v != "" {
		name += "-" + v
	}
	return filepath.Join(runtimeDir(), name+".sock")
}

// NormalizeVersion reduces an arbitrary host version string to a form
// safe for use in a filesystem path: lowercase, dots and digits kept,
// everything else collapsed to single dashes.
func NormalizeVersion(version string) string {
	var b strings.Builder
	lastDash := true // trim leading dashes
	for _, r := range strings.ToLower(strings.TrimSpace(version)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Listen creates the host side of the endpoint. A stale socket file from
// a previous instance with the same pid is removed first.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create endpoint dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale endpoint: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

// Dial connects to an endpoint with a bounded wait.
func Dial(path string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}
