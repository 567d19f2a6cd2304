package cancel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sockPath(t *testing.T) string {
	t.Helper()
	// Keep the path short; unix socket paths have a tight limit.
	return filepath.Join(t.TempDir(), "c.sock")
}

// TestBridge_SignalTripsToken sends a cancel line and observes the token
func TestBridge_SignalTripsToken(t *testing.T) {
	path := sockPath(t)
	sig, err := NewSignaller(path)
	require.NoError(t, err)
	defer sig.Close()

	token := NewToken()
	require.True(t, Watch(path, time.Second, token, nil))
	assert.False(t, token.Cancelled())

	sig.Signal()

	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("token never tripped")
	}
	assert.True(t, token.Cancelled())
}

// TestBridge_PeerCloseTripsToken treats EOF the same as an explicit signal
func TestBridge_PeerCloseTripsToken(t *testing.T) {
	path := sockPath(t)
	sig, err := NewSignaller(path)
	require.NoError(t, err)

	token := NewToken()
	require.True(t, Watch(path, time.Second, token, nil))

	require.NoError(t, sig.Close())

	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("token never tripped on close")
	}
}

// TestBridge_UnreachableChannelDegrades runs without cancellation support
func TestBridge_UnreachableChannelDegrades(t *testing.T) {
	token := NewToken()
	ok := Watch(filepath.Join(t.TempDir(), "missing.sock"), 100*time.Millisecond, token, nil)
	assert.False(t, ok)
	assert.False(t, token.Cancelled())
}

// TestBridge_EmptyEndpointDegrades treats a blank channel name as no-op
func TestBridge_EmptyEndpointDegrades(t *testing.T) {
	token := NewToken()
	assert.False(t, Watch("", time.Second, token, nil))
}

// TestToken_CancelIdempotent allows repeated Cancel calls
func TestToken_CancelIdempotent(t *testing.T) {
	token := NewToken()
	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())
}
