package debugger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SocketBackend discovers debugger instances through their automation
// sockets: each live IDE instance serves a newline-delimited JSON
// endpoint at <dir>/<ownerPid>.sock. The socket directory plays the
// role of the platform's running-object registry.
type SocketBackend struct {
	dir     string
	timeout time.Duration
}

// DefaultSocketDir is where IDE instances register automation sockets.
func DefaultSocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "devdbg")
	}
	return filepath.Join(os.TempDir(), "devdbg")
}

// NewSocketBackend creates a backend over dir. Empty dir means the
// default registry location.
func NewSocketBackend(dir string, timeout time.Duration) *SocketBackend {
	if dir == "" {
		dir = DefaultSocketDir()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SocketBackend{dir: dir, timeout: timeout}
}

// Instances implements Backend. Enumeration order is ascending owner
// pid, which keeps "first enumerated" deterministic.
func (b *SocketBackend) Instances() ([]Instance, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instance registry %s: %w", b.dir, err)
	}

	var out []Instance
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(name, ".sock"))
		if err != nil {
			continue
		}
		out = append(out, &socketInstance{
			ownerPID: pid,
			path:     filepath.Join(b.dir, name),
			timeout:  b.timeout,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(*socketInstance).ownerPID < out[j].(*socketInstance).ownerPID
	})
	return out, nil
}

type socketInstance struct {
	ownerPID int
	path     string
	timeout  time.Duration
}

func (si *socketInstance) OwnerPID() int { return si.ownerPID }

// automation wire shapes. One request line, one response line.
type automationRequest struct {
	Op  string `json:"Op"`
	PID int    `json:"Pid,omitempty"`
}

type automationResponse struct {
	Ok        bool          `json:"Ok"`
	Code      uint32        `json:"Code,omitempty"`
	Message   string        `json:"Message,omitempty"`
	Processes []ProcessInfo `json:"Processes,omitempty"`
}

func (si *socketInstance) Processes() ([]ProcessInfo, error) {
	resp, err := si.call(automationRequest{Op: "processes"})
	if err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

func (si *socketInstance) Attach(pid int) error {
	_, err := si.call(automationRequest{Op: "attach", PID: pid})
	return err
}

func (si *socketInstance) Detach(pid int) error {
	_, err := si.call(automationRequest{Op: "detach", PID: pid})
	return err
}

// call performs one request/response exchange. Transport failures and
// instance-reported failures both surface as AutomationError so the
// caller classifies them uniformly.
func (si *socketInstance) call(req automationRequest) (*automationResponse, error) {
	conn, err := net.DialTimeout("unix", si.path, si.timeout)
	if err != nil {
		return nil, &AutomationError{Op: req.Op, Err: err}
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(si.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, &AutomationError{Op: req.Op, Err: err}
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, &AutomationError{Op: req.Op, Err: err}
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, &AutomationError{Op: req.Op, Err: err}
	}
	var resp automationResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &AutomationError{Op: req.Op, Err: err}
	}
	if !resp.Ok {
		return nil, &AutomationError{
			Op:   req.Op,
			Code: resp.Code,
			Err:  fmt.Errorf("%s", resp.Message),
		}
	}
	return &resp, nil
}

var _ Backend = (*SocketBackend)(nil)
var _ Instance = (*socketInstance)(nil)
