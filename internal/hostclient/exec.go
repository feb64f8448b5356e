package hostclient

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/banksean/bux/internal/wire"
)

// ExecHandle is a live exec session. The underlying connection is split
// into a write half (stdin/signal/resize) and a read half (stdout/stderr/
// exit) so stdin writes and output reads never deadlock each other.
type ExecHandle struct {
	conn   net.Conn
	ExecID string
	PID    int32

	mu     sync.Mutex
	out    chan wire.Message
	closed bool
}

// Exec opens a new Exec connection and waits for ExecStarted.
func (c *Client) Exec(ctx context.Context, req wire.ExecStart) (*ExecHandle, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := wire.Send(conn, wire.HelloExec{Start: req}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hostclient: send hello exec: %w", err)
	}
	ack, err := wire.Recv(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hostclient: recv exec helloack: %w", err)
	}

	started, ok := ack.(wire.HelloAckExecStarted)
	if !ok {
		conn.Close()
		if errAck, ok := ack.(wire.HelloAckError); ok {
			return nil, errAck.Info
		}
		return nil, fmt.Errorf("hostclient: unexpected exec helloack %T", ack)
	}

	h := &ExecHandle{
		conn:   conn,
		ExecID: started.ExecID,
		PID:    started.PID,
		out:    make(chan wire.Message, 16),
	}
	go h.readLoop()
	return h, nil
}

func (h *ExecHandle) readLoop() {
	defer close(h.out)
	for {
		m, err := wire.Recv(h.conn)
		if err != nil {
			h.out <- wire.ExecOutExit{Code: -1, ErrorMessage: err.Error()}
			return
		}
		h.out <- m
		if _, isExit := m.(wire.ExecOutExit); isExit {
			return
		}
	}
}

// NextOutput returns the next ExecOut message, or (nil, false) once the
// connection has delivered Exit and closed.
func (h *ExecHandle) NextOutput() (wire.Message, bool) {
	m, ok := <-h.out
	return m, ok
}

func (h *ExecHandle) WriteStdin(data []byte) error {
	return wire.Send(h.conn, wire.ExecInStdin{Data: data})
}

func (h *ExecHandle) CloseStdin() error {
	return wire.Send(h.conn, wire.ExecInStdinClose{})
}

func (h *ExecHandle) Signal(sig int32) error {
	return wire.Send(h.conn, wire.ExecInSignal{Signal: sig})
}

func (h *ExecHandle) ResizeTty(size wire.PtySize) error {
	return wire.Send(h.conn, wire.ExecInResizeTty{Size: size})
}

func (h *ExecHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}

// ExecOutput accumulates stdout/stderr and the final exit status.
type ExecOutput struct {
	Stdout   []byte
	Stderr   []byte
	Exit     wire.ExecOutExit
	GuestErr *wire.ErrorInfo
}

// WaitWithOutput drains the handle until Exit, accumulating stdout/stderr.
func (h *ExecHandle) WaitWithOutput() (ExecOutput, error) {
	var out ExecOutput
	var stdout, stderr bytes.Buffer

	for {
		m, ok := h.NextOutput()
		if !ok {
			return out, fmt.Errorf("hostclient: exec connection closed before Exit")
		}
		switch v := m.(type) {
		case wire.ExecOutStdout:
			stdout.Write(v.Data)
		case wire.ExecOutStderr:
			stderr.Write(v.Data)
		case wire.ExecOutExit:
			out.Stdout = stdout.Bytes()
			out.Stderr = stderr.Bytes()
			out.Exit = v
			return out, nil
		case wire.ExecOutError:
			info := v.Info
			out.GuestErr = &info
			return out, info
		}
	}
}

// Stream drains the handle until Exit, invoking callback for every output
// chunk as it arrives.
func (h *ExecHandle) Stream(onStdout, onStderr func([]byte)) (wire.ExecOutExit, error) {
	for {
		m, ok := h.NextOutput()
		if !ok {
			return wire.ExecOutExit{}, fmt.Errorf("hostclient: exec connection closed before Exit")
		}
		switch v := m.(type) {
		case wire.ExecOutStdout:
			if onStdout != nil {
				onStdout(v.Data)
			}
		case wire.ExecOutStderr:
			if onStderr != nil {
				onStderr(v.Data)
			}
		case wire.ExecOutExit:
			return v, nil
		case wire.ExecOutError:
			return wire.ExecOutExit{}, v.Info
		}
	}
}
