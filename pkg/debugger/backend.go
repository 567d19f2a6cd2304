// Package debugger coordinates attaching a debugger IDE to the host
// process. It runs in a separate helper executable; every failure is
// classified and reported through an exit code so the caller never has
// to observe an in-process error from across the process boundary.
package debugger

import (
	"errors"
	"fmt"
)

// ProcessInfo is one debuggable process as seen by an IDE instance.
type ProcessInfo struct {
	PID  int    `json:"Pid"`
	Name string `json:"Name"`
}

// Instance is one live debugger-IDE instance. All automation calls go
// through this narrow interface; nothing else in the coordinator talks
// to the automation layer directly.
type Instance interface {
	// OwnerPID is the process id of the IDE instance itself.
	OwnerPID() int

	// Processes lists the instance's local debuggable processes.
	Processes() ([]ProcessInfo, error)

	// Attach attaches the instance's debugger to pid.
	Attach(pid int) error

	// Detach detaches the instance's debugger from pid.
	Detach(pid int) error
}

// Backend enumerates live debugger instances.
type Backend interface {
	Instances() ([]Instance, error)
}

// Automation failure codes carried over from the IDE automation layer.
const (
	CodeAccessDenied = 0x80070005
	CodeServerBusy   = 0x8001010A
)

// AutomationError is a failure inside the IDE automation layer, carrying
// the layer's numeric failure code.
type AutomationError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("%s: automation failure 0x%08X: %s", e.Op, e.Code, e.Hint())
}

func (e *AutomationError) Unwrap() error { return e.Err }

// Hint classifies the failure code into an actionable message.
func (e *AutomationError) Hint() string {
	switch e.Code {
	case CodeAccessDenied:
		return "permission denied; run the helper with the same privileges as the IDE"
	case CodeServerBusy:
		return "the IDE is busy; dismiss any modal dialog and retry"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "generic automation failure"
	}
}

// Sentinel errors mapped onto the helper's exit codes.
var (
	// ErrNoInstances means no live debugger instance was found.
	ErrNoInstances = errors.New("no debugger instance found")

	// ErrTargetNotFound means the chosen instance does not list the
	// target pid among its debuggable processes.
	ErrTargetNotFound = errors.New("target process not found in debugger instance")

	// ErrBadArgs is a helper usage error. It shares exit code 1 with
	// ErrNoInstances.
	ErrBadArgs = errors.New("invalid arguments")
)

// Helper exit codes. These are the helper's only cross-process contract.
const (
	ExitOK             = 0
	ExitNoInstance     = 1
	ExitTargetNotFound = 2
	ExitAutomation     = 3
)

// ExitCodeFor maps a coordinator error onto the helper exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoInstances), errors.Is(err, ErrBadArgs):
		return ExitNoInstance
	case errors.Is(err, ErrTargetNotFound):
		return ExitTargetNotFound
	default:
		return ExitAutomation
	}
}
