package debugger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	owner    int
	procs    []ProcessInfo
	attached []int
	detached []int
	callErr  error
}

func (f *fakeInstance) OwnerPID() int { return f.owner }

func (f *fakeInstance) Processes() ([]ProcessInfo, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.procs, nil
}

func (f *fakeInstance) Attach(pid int) error {
	if f.callErr != nil {
		return f.callErr
	}
	f.attached = append(f.attached, pid)
	return nil
}

func (f *fakeInstance) Detach(pid int) error {
	if f.callErr != nil {
		return f.callErr
	}
	f.detached = append(f.detached, pid)
	return nil
}

type fakeBackend struct {
	instances []Instance
	err       error
}

func (f *fakeBackend) Instances() ([]Instance, error) { return f.instances, f.err }

func threeInstances() (*fakeBackend, *fakeInstance, *fakeInstance, *fakeInstance) {
	i10 := &fakeInstance{owner: 10}
	i20 := &fakeInstance{owner: 20}
	i30 := &fakeInstance{owner: 30}
	return &fakeBackend{instances: []Instance{i10, i20, i30}}, i10, i20, i30
}

// TestCoordinator_SelectPrefersOwnerMatch picks the instance owned by the hint
func TestCoordinator_SelectPrefersOwnerMatch(t *testing.T) {
	backend, _, i20, _ := threeInstances()
	c := NewCoordinator(backend, nil)

	inst, err := c.Select(20)
	require.NoError(t, err)
	assert.Same(t, Instance(i20), inst)
}

// TestCoordinator_SelectFallsBackToFirst uses the first enumerated instance
func TestCoordinator_SelectFallsBackToFirst(t *testing.T) {
	backend, i10, _, _ := threeInstances()
	c := NewCoordinator(backend, nil)

	inst, err := c.Select(0)
	require.NoError(t, err)
	assert.Same(t, Instance(i10), inst)

	// An owner hint with no matching instance also falls back to first.
	inst, err = c.Select(99)
	require.NoError(t, err)
	assert.Same(t, Instance(i10), inst)
}

// TestCoordinator_SelectNoInstances maps to exit code 1
func TestCoordinator_SelectNoInstances(t *testing.T) {
	c := NewCoordinator(&fakeBackend{}, nil)

	_, err := c.Select(0)
	assert.ErrorIs(t, err, ErrNoInstances)
	assert.Equal(t, ExitNoInstance, ExitCodeFor(err))
}

// TestCoordinator_AttachTargetNotFound maps to exit code 2
func TestCoordinator_AttachTargetNotFound(t *testing.T) {
	backend, _, i20, _ := threeInstances()
	i20.procs = []ProcessInfo{{PID: 4242, Name: "cadhost"}}
	c := NewCoordinator(backend, nil)

	err := c.Attach(5555, 20)
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, ExitTargetNotFound, ExitCodeFor(err))
	assert.Empty(t, i20.attached)
}

// TestCoordinator_AttachSuccess attaches through the selected instance
func TestCoordinator_AttachSuccess(t *testing.T) {
	backend, i10, i20, _ := threeInstances()
	i20.procs = []ProcessInfo{{PID: 4242, Name: "cadhost"}}
	c := NewCoordinator(backend, nil)

	require.NoError(t, c.Attach(4242, 20))
	assert.Equal(t, []int{4242}, i20.attached)
	assert.Empty(t, i10.attached)
}

// TestCoordinator_AutomationFailure maps to exit code 3
func TestCoordinator_AutomationFailure(t *testing.T) {
	backend, i10, _, _ := threeInstances()
	i10.callErr = &AutomationError{Op: "attach", Code: CodeServerBusy}
	c := NewCoordinator(backend, nil)

	err := c.Attach(4242, 0)
	require.Error(t, err)
	assert.Equal(t, ExitAutomation, ExitCodeFor(err))

	var ae *AutomationError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Hint(), "busy")
}

// TestCoordinator_DetachAll detaches every listed process
func TestCoordinator_DetachAll(t *testing.T) {
	backend, i10, _, _ := threeInstances()
	i10.procs = []ProcessInfo{{PID: 1, Name: "a"}, {PID: 2, Name: "b"}}
	c := NewCoordinator(backend, nil)

	require.NoError(t, c.DetachAll(0))
	assert.Equal(t, []int{1, 2}, i10.detached)
}

// TestCoordinator_FindHost locates the host process by name
func TestCoordinator_FindHost(t *testing.T) {
	backend, i10, _, _ := threeInstances()
	i10.procs = []ProcessInfo{
		{PID: 100, Name: "other"},
		{PID: 4242, Name: "cadhost"},
	}
	c := NewCoordinator(backend, nil)

	p, err := c.FindHost("cadhost", 0)
	require.NoError(t, err)
	assert.Equal(t, 4242, p.PID)

	_, err = c.FindHost("missing", 0)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

// TestCoordinator_ScheduleDetachDisabled honors the no-autodetach gate
func TestCoordinator_ScheduleDetachDisabled(t *testing.T) {
	backend, i10, _, _ := threeInstances()
	i10.procs = []ProcessInfo{{PID: 4242, Name: "cadhost"}}
	c := NewCoordinator(backend, nil)

	t.Setenv(EnvNoAutoDetach, "1")
	require.NoError(t, c.ScheduleDetach(4242, 0))
	assert.Empty(t, i10.detached)
}

// TestCoordinator_ScheduleDetachSynchronous blocks and detaches in-process
func TestCoordinator_ScheduleDetachSynchronous(t *testing.T) {
	backend, i10, _, _ := threeInstances()
	i10.procs = []ProcessInfo{{PID: 4242, Name: "cadhost"}}
	c := NewCoordinator(backend, nil)

	t.Setenv(EnvSyncDetach, "1")
	require.NoError(t, c.ScheduleDetach(4242, 0))
	assert.Equal(t, []int{4242}, i10.detached)
}

// TestAutomationError_Hints classifies known failure codes
func TestAutomationError_Hints(t *testing.T) {
	denied := &AutomationError{Op: "attach", Code: CodeAccessDenied}
	assert.Contains(t, denied.Hint(), "permission")

	busy := &AutomationError{Op: "attach", Code: CodeServerBusy}
	assert.Contains(t, busy.Hint(), "busy")

	generic := &AutomationError{Op: "attach", Err: errors.New("boom")}
	assert.Contains(t, generic.Hint(), "boom")
}
