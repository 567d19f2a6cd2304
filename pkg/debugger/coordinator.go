package debugger

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// Environment gates honored by the auto-detach path.
const (
	// EnvNoAutoDetach disables automatic detachment entirely.
	EnvNoAutoDetach = "TESTBRIDGE_NO_AUTODETACH"

	// EnvSyncDetach forces the synchronous, blocking detach path for
	// callers that must not exit before detachment is confirmed.
	EnvSyncDetach = "TESTBRIDGE_SYNC_DETACH"
)

// Coordinator selects a debugger instance and drives attach/detach
// against it.
type Coordinator struct {
	backend Backend
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator over a backend.
func NewCoordinator(backend Backend, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{backend: backend, logger: logger}
}

// Select picks the instance to operate on. An exact owner-pid match
// wins; without a hint (ownerPID <= 0) the first enumerated instance is
// used.
func (c *Coordinator) Select(ownerPID int) (Instance, error) {
	instances, err := c.backend.Instances()
	if err != nil {
		return nil, fmt.Errorf("enumerate debugger instances: %w", err)
	}
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	if ownerPID > 0 {
		for _, inst := range instances {
			if inst.OwnerPID() == ownerPID {
				return inst, nil
			}
		}
		c.logger.Warn("no debugger instance owned by requested pid, using first",
			"owner", ownerPID, "instances", len(instances))
	}
	return instances[0], nil
}

// Attach attaches the selected instance's debugger to targetPID.
func (c *Coordinator) Attach(targetPID, ownerPID int) error {
	inst, err := c.Select(ownerPID)
	if err != nil {
		return err
	}
	if err := c.requireTarget(inst, targetPID); err != nil {
		return err
	}
	if err := inst.Attach(targetPID); err != nil {
		return err
	}
	c.logger.Info("debugger attached",
		"target", targetPID, "instance", inst.OwnerPID())
	return nil
}

// Detach detaches the selected instance's debugger from targetPID.
func (c *Coordinator) Detach(targetPID, ownerPID int) error {
	inst, err := c.Select(ownerPID)
	if err != nil {
		return err
	}
	if err := c.requireTarget(inst, targetPID); err != nil {
		return err
	}
	if err := inst.Detach(targetPID); err != nil {
		return err
	}
	c.logger.Info("debugger detached",
		"target", targetPID, "instance", inst.OwnerPID())
	return nil
}

// DetachAll detaches the selected instance from every process it lists.
// Per-process failures are logged and skipped; only a selection failure
// is returned.
func (c *Coordinator) DetachAll(ownerPID int) error {
	inst, err := c.Select(ownerPID)
	if err != nil {
		return err
	}
	procs, err := inst.Processes()
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := inst.Detach(p.PID); err != nil {
			c.logger.Warn("detach failed", "target", p.PID, "error", err)
		}
	}
	return nil
}

// FindHost searches the selected instance's process list for a process
// named hostName and returns it.
func (c *Coordinator) FindHost(hostName string, ownerPID int) (ProcessInfo, error) {
	inst, err := c.Select(ownerPID)
	if err != nil {
		return ProcessInfo{}, err
	}
	procs, err := inst.Processes()
	if err != nil {
		return ProcessInfo{}, err
	}
	for _, p := range procs {
		if p.Name == hostName {
			return p, nil
		}
	}
	return ProcessInfo{}, fmt.Errorf("%w: no process named %q", ErrTargetNotFound, hostName)
}

func (c *Coordinator) requireTarget(inst Instance, targetPID int) error {
	procs, err := inst.Processes()
	if err != nil {
		return err
	}
	for _, p := range procs {
		if p.PID == targetPID {
			return nil
		}
	}
	return fmt.Errorf("%w: pid %d", ErrTargetNotFound, targetPID)
}

// ScheduleDetach arranges detachment of targetPID after the caller is
// gone. The default path re-launches this helper as an independent
// process so detachment survives the caller's exit. EnvSyncDetach
// switches to a blocking in-process detach; EnvNoAutoDetach suppresses
// detachment entirely.
func (c *Coordinator) ScheduleDetach(targetPID, ownerPID int) error {
	if os.Getenv(EnvNoAutoDetach) != "" {
		c.logger.Info("auto-detach disabled by environment", "target", targetPID)
		return nil
	}
	if os.Getenv(EnvSyncDetach) != "" {
		return c.Detach(targetPID, ownerPID)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate helper executable: %w", err)
	}
	args := []string{"detach", strconv.Itoa(targetPID)}
	if ownerPID > 0 {
		args = append(args, "--owner", strconv.Itoa(ownerPID))
	}

	cmd := exec.Command(self, args...)
	cmd.SysProcAttr = detachedProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch detach helper: %w", err)
	}
	helperPID := cmd.Process.Pid
	// The child is on its own from here; reaping it would defeat the
	// independent-lifetime requirement.
	if err := cmd.Process.Release(); err != nil {
		c.logger.Warn("release detach helper handle", "error", err)
	}
	c.logger.Info("detach scheduled",
		"target", targetPID, "helper_pid", helperPID)
	return nil
}
