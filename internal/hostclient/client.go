// Package hostclient is the host-side speaker of the wire protocol: a
// stateless per-operation connection factory keyed by a VM's Unix socket
// path.
package hostclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/banksean/bux/internal/wire"
)

// Client is a stateless factory for connections to one VM's agent socket.
// Every operation opens its own connection; no locking is required since
// different operations proceed independently.
type Client struct {
	socketPath string
	dialer     net.Dialer
}

func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("hostclient: dial %s: %w", c.socketPath, err)
	}
	return conn, nil
}

// Handshake opens a dedicated Control session, validates the protocol
// version, and closes it. Used by the runtime for readiness probing.
func (c *Client) Handshake(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Send(conn, wire.HelloControl{Version: wire.ProtocolVersion}); err != nil {
		return fmt.Errorf("hostclient: send hello: %w", err)
	}
	ack, err := wire.Recv(conn)
	if err != nil {
		return fmt.Errorf("hostclient: recv helloack: %w", err)
	}
	switch a := ack.(type) {
	case wire.HelloAckControl:
		if a.Version != wire.ProtocolVersion {
			return fmt.Errorf("hostclient: protocol version mismatch: guest=%d host=%d", a.Version, wire.ProtocolVersion)
		}
		return nil
	case wire.HelloAckError:
		return a.Info
	default:
		return fmt.Errorf("hostclient: unexpected handshake reply %T", ack)
	}
}

// control opens a Control session and returns it for a sequence of
// ControlReq/ControlResp round trips.
func (c *Client) control(ctx context.Context) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := wire.Send(conn, wire.HelloControl{Version: wire.ProtocolVersion}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hostclient: send hello: %w", err)
	}
	ack, err := wire.Recv(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hostclient: recv helloack: %w", err)
	}
	if _, ok := ack.(wire.HelloAckControl); !ok {
		conn.Close()
		if errAck, ok := ack.(wire.HelloAckError); ok {
			return nil, errAck.Info
		}
		return nil, fmt.Errorf("hostclient: unexpected control helloack %T", ack)
	}
	return conn, nil
}

func (c *Client) Ping(ctx context.Context) (wire.ControlRespPong, error) {
	conn, err := c.control(ctx)
	if err != nil {
		return wire.ControlRespPong{}, err
	}
	defer conn.Close()
	return pingOn(conn)
}

func pingOn(conn net.Conn) (wire.ControlRespPong, error) {
	if err := wire.Send(conn, wire.ControlReqPing{}); err != nil {
		return wire.ControlRespPong{}, fmt.Errorf("hostclient: send ping: %w", err)
	}
	resp, err := wire.Recv(conn)
	if err != nil {
		return wire.ControlRespPong{}, fmt.Errorf("hostclient: recv pong: %w", err)
	}
	switch r := resp.(type) {
	case wire.ControlRespPong:
		return r, nil
	case wire.ControlRespError:
		return wire.ControlRespPong{}, r.Info
	default:
		return wire.ControlRespPong{}, fmt.Errorf("hostclient: unexpected ping reply %T", resp)
	}
}

func (c *Client) Shutdown(ctx context.Context) error {
	conn, err := c.control(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := wire.Send(conn, wire.ControlReqShutdown{}); err != nil {
		return fmt.Errorf("hostclient: send shutdown: %w", err)
	}
	resp, err := wire.Recv(conn)
	if err != nil {
		return fmt.Errorf("hostclient: recv shutdown reply: %w", err)
	}
	switch r := resp.(type) {
	case wire.ControlRespShutdownOk:
		return nil
	case wire.ControlRespError:
		return r.Info
	default:
		return fmt.Errorf("hostclient: unexpected shutdown reply %T", resp)
	}
}

func (c *Client) Quiesce(ctx context.Context) (int32, error) {
	conn, err := c.control(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := wire.Send(conn, wire.ControlReqQuiesce{}); err != nil {
		return 0, fmt.Errorf("hostclient: send quiesce: %w", err)
	}
	resp, err := wire.Recv(conn)
	if err != nil {
		return 0, fmt.Errorf("hostclient: recv quiesce reply: %w", err)
	}
	switch r := resp.(type) {
	case wire.ControlRespQuiesceOk:
		return r.FrozenCount, nil
	case wire.ControlRespError:
		return 0, r.Info
	default:
		return 0, fmt.Errorf("hostclient: unexpected quiesce reply %T", resp)
	}
}

func (c *Client) Thaw(ctx context.Context) (int32, error) {
	conn, err := c.control(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := wire.Send(conn, wire.ControlReqThaw{}); err != nil {
		return 0, fmt.Errorf("hostclient: send thaw: %w", err)
	}
	resp, err := wire.Recv(conn)
	if err != nil {
		return 0, fmt.Errorf("hostclient: recv thaw reply: %w", err)
	}
	switch r := resp.(type) {
	case wire.ControlRespThawOk:
		return r.ThawedCount, nil
	case wire.ControlRespError:
		return 0, r.Info
	default:
		return 0, fmt.Errorf("hostclient: unexpected thaw reply %T", resp)
	}
}

// ReadFile opens path in the guest and copies its contents into dst.
func (c *Client) ReadFile(ctx context.Context, path string, dst io.Writer) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Send(conn, wire.HelloFileRead{Path: path}); err != nil {
		return fmt.Errorf("hostclient: send hello file-read: %w", err)
	}
	if err := expectReady(conn); err != nil {
		return err
	}
	_, err = wire.RecvDownload(bufio.NewReaderSize(conn, wire.StreamChunkSize), dst)
	return err
}

// WriteFile uploads src to path in the guest with the given mode.
func (c *Client) WriteFile(ctx context.Context, path string, mode uint32, src io.Reader) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Send(conn, wire.HelloFileWrite{Path: path, Mode: mode}); err != nil {
		return fmt.Errorf("hostclient: send hello file-write: %w", err)
	}
	if err := expectReady(conn); err != nil {
		return err
	}
	if err := wire.SendUpload(conn, src); err != nil {
		return fmt.Errorf("hostclient: stream upload: %w", err)
	}
	resp, err := wire.Recv(conn)
	if err != nil {
		return fmt.Errorf("hostclient: recv upload result: %w", err)
	}
	switch r := resp.(type) {
	case wire.UploadResultOk:
		return nil
	case wire.UploadResultError:
		return r.Info
	default:
		return fmt.Errorf("hostclient: unexpected upload result %T", resp)
	}
}

// CopyInFromReader streams a tarball from src into dest inside the guest.
func (c *Client) CopyInFromReader(ctx context.Context, dest string, src io.Reader) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Send(conn, wire.HelloCopyIn{Dest: dest}); err != nil {
		return fmt.Errorf("hostclient: send hello copy-in: %w", err)
	}
	if err := expectReady(conn); err != nil {
		return err
	}
	if err := wire.SendUpload(conn, src); err != nil {
		return fmt.Errorf("hostclient: stream copy-in upload: %w", err)
	}
	resp, err := wire.Recv(conn)
	if err != nil {
		return fmt.Errorf("hostclient: recv copy-in result: %w", err)
	}
	switch r := resp.(type) {
	case wire.UploadResultOk:
		return nil
	case wire.UploadResultError:
		return r.Info
	default:
		return fmt.Errorf("hostclient: unexpected copy-in result %T", resp)
	}
}

// CopyOutToWriter streams a tarball of path from the guest into dst.
func (c *Client) CopyOutToWriter(ctx context.Context, path string, followSymlinks bool, dst io.Writer) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Send(conn, wire.HelloCopyOut{Path: path, FollowSymlinks: followSymlinks}); err != nil {
		return fmt.Errorf("hostclient: send hello copy-out: %w", err)
	}
	if err := expectReady(conn); err != nil {
		return err
	}
	_, err = wire.RecvDownload(bufio.NewReaderSize(conn, wire.StreamChunkSize), dst)
	return err
}

func expectReady(conn net.Conn) error {
	ack, err := wire.Recv(conn)
	if err != nil {
		return fmt.Errorf("hostclient: recv helloack: %w", err)
	}
	switch a := ack.(type) {
	case wire.HelloAckReady:
		return nil
	case wire.HelloAckError:
		return a.Info
	default:
		return fmt.Errorf("hostclient: unexpected helloack %T", ack)
	}
}
