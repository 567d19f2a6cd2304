package server

import (
	"net"

	"github.com/cadhost/testbridge/pkg/cancel"
	"github.com/cadhost/testbridge/pkg/isolation"
	"github.com/cadhost/testbridge/pkg/protocol"
)

// RunHandle is the in-host state for exactly one Command's processing.
// It must be fully released before the server accepts the next command.
type RunHandle struct {
	RunID   string
	Command protocol.Command
	Writer  *protocol.Writer
	Token   *cancel.Token
	Iso     *isolation.Context

	conn net.Conn
}

func newRunHandle(runID string, cmd protocol.Command, conn net.Conn, iso *isolation.Context) *RunHandle {
	return &RunHandle{
		RunID:   runID,
		Command: cmd,
		Writer:  protocol.NewWriter(conn),
		Token:   cancel.NewToken(),
		Iso:     iso,
		conn:    conn,
	}
}

// Release flushes and closes the connection and disposes the isolation
// boundary. Idempotent enough for the single-owner lifecycle it has.
func (h *RunHandle) Release() {
	if h.Iso != nil {
		h.Iso.Dispose()
	}
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
}
