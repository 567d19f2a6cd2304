// Package cancel implements the cooperative cancellation bridge: a
// secondary one-way channel, named by the client, that the host watches
// for an abort signal without touching the primary result channel.
package cancel

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultConnectTimeout bounds the host's attempt to reach the client's
// cancel channel at run start. Cancellation is best-effort; a run never
// waits on it.
const DefaultConnectTimeout = 2 * time.Second

// Token is one run's cancellation flag. Set once, observed between test
// cases; there is no preemptive interruption.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an unset token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag. Idempotent.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the flag is set.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the flag is set.
func (t *Token) Done() <-chan struct{} { return t.done }

// Watch connects to the client's cancel channel and arms the token. Any
// inbound byte, or the peer closing its end, trips the token. Returns
// false when the channel cannot be reached in time; the run then simply
// proceeds without cancellation support.
func Watch(endpoint string, timeout time.Duration, token *Token, logger *slog.Logger) bool {
	if endpoint == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.DialTimeout("unix", endpoint, timeout)
	if err != nil {
		logger.Info("cancel channel unavailable, run is not cancellable",
			"endpoint", endpoint, "error", err)
		return false
	}

	go func() {
		defer conn.Close()
		buf := make([]byte, 1)
		// Blocks until the client writes anything or hangs up; both
		// mean "stop scheduling further cases".
		conn.Read(buf)
		logger.Info("cancellation signalled", "endpoint", endpoint)
		token.Cancel()
	}()
	return true
}

// Signaller is the client side of the bridge: it owns the named channel
// the host connects to.
type Signaller struct {
	path string
	ln   net.Listener

	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
}

// NewSignaller creates and serves the cancel channel at path.
func NewSignaller(path string) (*Signaller, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := &Signaller{path: path, ln: ln, done: make(chan struct{})}
	go s.acceptLoop()
	return s, nil
}

// Path returns the channel name to put in the Command frame.
func (s *Signaller) Path() string { return s.path }

func (s *Signaller) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		select {
		case <-s.done:
			// Signal already sent; trip late connectors immediately.
			conn.Write([]byte("CANCEL\n"))
			conn.Close()
		default:
			s.conns = append(s.conns, conn)
		}
		s.mu.Unlock()
	}
}

// Signal trips every connected watcher by writing one line and closing.
func (s *Signaller) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	for _, conn := range s.conns {
		conn.Write([]byte("CANCEL\n"))
		conn.Close()
	}
	s.conns = nil
}

// Close tears the channel down. Closing an accepted conn reads as EOF
// on the host side, which counts as a cancel signal, so only call Close
// once the run is over.
func (s *Signaller) Close() error {
	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	return s.ln.Close()
}
