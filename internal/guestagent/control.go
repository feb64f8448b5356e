//go:build linux

package guestagent

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/banksean/bux/internal/wire"
	"golang.org/x/sys/unix"
)

// handleControl loops reading ControlReq until the connection closes,
// replying to each in turn.
func (a *Agent) handleControl(conn io.ReadWriter) error {
	for {
		req, err := wire.Recv(conn)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch req.(type) {
		case wire.ControlReqPing:
			resp := wire.ControlRespPong{
				Version:  wire.ProtocolVersion,
				UptimeMs: a.uptimeMs(),
			}
			if err := wire.Send(conn, resp); err != nil {
				return err
			}

		case wire.ControlReqShutdown:
			if err := wire.Send(conn, wire.ControlRespShutdownOk{}); err != nil {
				return err
			}
			gracefulShutdown()

		case wire.ControlReqQuiesce:
			count := a.mounts.freeze()
			if err := wire.Send(conn, wire.ControlRespQuiesceOk{FrozenCount: int32(count)}); err != nil {
				return err
			}

		case wire.ControlReqThaw:
			count := a.mounts.thaw()
			if err := wire.Send(conn, wire.ControlRespThawOk{ThawedCount: int32(count)}); err != nil {
				return err
			}

		default:
			info := wire.ErrorInfo{Code: wire.ErrCodeInvalidRequest, Message: "unexpected control request"}
			if err := wire.Send(conn, wire.ControlRespError{Info: info}); err != nil {
				return err
			}
		}
	}
}

// gracefulShutdown signals the entire process group, gives children a brief
// window to exit, then force-kills stragglers and syncs before exiting.
// SIGTERM is ignored in this process first, so the SIGTERM it sends to
// group 0 does not stop the agent itself.
func gracefulShutdown() {
	signal.Ignore(unix.SIGTERM)
	_ = unix.Kill(0, unix.SIGTERM)
	time.Sleep(500 * time.Millisecond)
	_ = unix.Kill(0, unix.SIGKILL)
	unix.Sync()
	os.Exit(0)
}
