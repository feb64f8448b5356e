package wire

import "fmt"

// MessageKind tags the single concrete type carried by an envelope. The
// same namespace covers every connection kind (control, exec, file) since
// a connection only ever exchanges messages appropriate to the Hello that
// opened it — callers type-switch on the concrete Go type, not this tag.
type MessageKind uint32

const (
	KindHelloControl MessageKind = iota + 1
	KindHelloExec
	KindHelloFileRead
	KindHelloFileWrite
	KindHelloCopyIn
	KindHelloCopyOut

	KindHelloAckControl
	KindHelloAckExecStarted
	KindHelloAckReady
	KindHelloAckError

	KindControlReqPing
	KindControlReqShutdown
	KindControlReqQuiesce
	KindControlReqThaw

	KindControlRespPong
	KindControlRespShutdownOk
	KindControlRespQuiesceOk
	KindControlRespThawOk
	KindControlRespError

	KindExecInStdin
	KindExecInStdinClose
	KindExecInSignal
	KindExecInResizeTty

	KindExecOutStdout
	KindExecOutStderr
	KindExecOutExit
	KindExecOutError

	KindUploadChunk
	KindUploadDone

	KindUploadResultOk
	KindUploadResultError

	KindDownloadChunk
	KindDownloadDone
	KindDownloadError
)

// Message is any value that can travel inside a frame.
type Message interface {
	Kind() MessageKind
	marshal() []byte
}

// ErrorCode is the fixed set of machine-routable error classes carried by
// ErrorInfo. Recipients route on Code, never on Message.
type ErrorCode uint32

const (
	ErrCodeUnspecified ErrorCode = iota
	ErrCodeVersionMismatch
	ErrCodeInvalidRequest
	ErrCodeNotFound
	ErrCodePermissionDenied
	ErrCodeTimeout
	ErrCodeLimitExceeded
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeVersionMismatch:
		return "VersionMismatch"
	case ErrCodeInvalidRequest:
		return "InvalidRequest"
	case ErrCodeNotFound:
		return "NotFound"
	case ErrCodePermissionDenied:
		return "PermissionDenied"
	case ErrCodeTimeout:
		return "Timeout"
	case ErrCodeLimitExceeded:
		return "LimitExceeded"
	case ErrCodeInternal:
		return "Internal"
	default:
		return "Unspecified"
	}
}

// ErrorInfo is the envelope used for every error transmitted on the wire.
type ErrorInfo struct {
	Code    ErrorCode
	Message string
}

func (e ErrorInfo) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e ErrorInfo) marshalInto(b []byte) []byte {
	b = appendUvarint(b, 1, uint64(e.Code))
	b = appendString(b, 2, e.Message)
	return b
}

func unmarshalErrorInfo(b []byte) (ErrorInfo, error) {
	var e ErrorInfo
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			e.Code = ErrorCode(f.varnt)
		case 2:
			e.Message = f.str()
		}
		return nil
	})
	return e, err
}

// PtySize carries PTY dimensions for exec start and ResizeTty.
type PtySize struct {
	Rows, Cols, XPixel, YPixel uint32
}

func (p PtySize) marshalInto(b []byte) []byte {
	b = appendUvarint(b, 1, uint64(p.Rows))
	b = appendUvarint(b, 2, uint64(p.Cols))
	b = appendUvarint(b, 3, uint64(p.XPixel))
	b = appendUvarint(b, 4, uint64(p.YPixel))
	return b
}

func unmarshalPtySize(b []byte) (PtySize, error) {
	var p PtySize
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			p.Rows = f.u32()
		case 2:
			p.Cols = f.u32()
		case 3:
			p.XPixel = f.u32()
		case 4:
			p.YPixel = f.u32()
		}
		return nil
	})
	return p, err
}

// ExecStart describes a command to run inside the guest.
type ExecStart struct {
	Cmd          string
	Args         []string
	Env          []string
	Cwd          *string
	UID          *uint32
	GID          *uint32
	StdinEnabled bool
	TTY          *PtySize
	TimeoutMs    uint64 // 0 disables the timeout
}

func (e ExecStart) marshalInto(b []byte) []byte {
	b = appendString(b, 1, e.Cmd)
	for _, a := range e.Args {
		b = appendString(b, 2, a)
	}
	for _, kv := range e.Env {
		b = appendString(b, 3, kv)
	}
	if e.Cwd != nil {
		b = appendString(b, 4, *e.Cwd)
	}
	if e.UID != nil {
		b = appendUvarint(b, 5, uint64(*e.UID)+1) // +1: distinguish "0" from absent
	}
	if e.GID != nil {
		b = appendUvarint(b, 6, uint64(*e.GID)+1)
	}
	b = appendBool(b, 7, e.StdinEnabled)
	if e.TTY != nil {
		b = appendMessage(b, 8, e.TTY.marshalInto(nil))
	}
	b = appendUvarint(b, 9, e.TimeoutMs)
	return b
}

func unmarshalExecStart(b []byte) (ExecStart, error) {
	var e ExecStart
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			e.Cmd = f.str()
		case 2:
			e.Args = append(e.Args, f.str())
		case 3:
			e.Env = append(e.Env, f.str())
		case 4:
			s := f.str()
			e.Cwd = &s
		case 5:
			v := uint32(f.varnt - 1)
			e.UID = &v
		case 6:
			v := uint32(f.varnt - 1)
			e.GID = &v
		case 7:
			e.StdinEnabled = f.boolean()
		case 8:
			tty, err := unmarshalPtySize(f.bytes)
			if err != nil {
				return err
			}
			e.TTY = &tty
		case 9:
			e.TimeoutMs = f.varnt
		}
		return nil
	})
	return e, err
}

// ---- Hello ----

type HelloControl struct{ Version uint32 }

func (HelloControl) Kind() MessageKind { return KindHelloControl }
func (h HelloControl) marshal() []byte { return appendUvarint(nil, 1, uint64(h.Version)) }

func unmarshalHelloControl(b []byte) (HelloControl, error) {
	var h HelloControl
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			h.Version = f.u32()
		}
		return nil
	})
	return h, err
}

type HelloExec struct{ Start ExecStart }

func (HelloExec) Kind() MessageKind { return KindHelloExec }
func (h HelloExec) marshal() []byte { return appendMessage(nil, 1, h.Start.marshalInto(nil)) }

func unmarshalHelloExec(b []byte) (HelloExec, error) {
	var h HelloExec
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			start, err := unmarshalExecStart(f.bytes)
			if err != nil {
				return err
			}
			h.Start = start
		}
		return nil
	})
	return h, err
}

type HelloFileRead struct{ Path string }

func (HelloFileRead) Kind() MessageKind { return KindHelloFileRead }
func (h HelloFileRead) marshal() []byte { return appendString(nil, 1, h.Path) }

func unmarshalHelloFileRead(b []byte) (HelloFileRead, error) {
	var h HelloFileRead
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			h.Path = f.str()
		}
		return nil
	})
	return h, err
}

type HelloFileWrite struct {
	Path string
	Mode uint32
}

func (HelloFileWrite) Kind() MessageKind { return KindHelloFileWrite }
func (h HelloFileWrite) marshal() []byte {
	b := appendString(nil, 1, h.Path)
	return appendUvarint(b, 2, uint64(h.Mode))
}

func unmarshalHelloFileWrite(b []byte) (HelloFileWrite, error) {
	var h HelloFileWrite
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			h.Path = f.str()
		case 2:
			h.Mode = f.u32()
		}
		return nil
	})
	return h, err
}

type HelloCopyIn struct{ Dest string }

func (HelloCopyIn) Kind() MessageKind { return KindHelloCopyIn }
func (h HelloCopyIn) marshal() []byte { return appendString(nil, 1, h.Dest) }

func unmarshalHelloCopyIn(b []byte) (HelloCopyIn, error) {
	var h HelloCopyIn
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			h.Dest = f.str()
		}
		return nil
	})
	return h, err
}

type HelloCopyOut struct {
	Path           string
	FollowSymlinks bool
}

func (HelloCopyOut) Kind() MessageKind { return KindHelloCopyOut }
func (h HelloCopyOut) marshal() []byte {
	b := appendString(nil, 1, h.Path)
	return appendBool(b, 2, h.FollowSymlinks)
}

func unmarshalHelloCopyOut(b []byte) (HelloCopyOut, error) {
	var h HelloCopyOut
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			h.Path = f.str()
		case 2:
			h.FollowSymlinks = f.boolean()
		}
		return nil
	})
	return h, err
}

// ---- HelloAck ----

type HelloAckControl struct{ Version uint32 }

func (HelloAckControl) Kind() MessageKind { return KindHelloAckControl }
func (h HelloAckControl) marshal() []byte { return appendUvarint(nil, 1, uint64(h.Version)) }

func unmarshalHelloAckControl(b []byte) (HelloAckControl, error) {
	var h HelloAckControl
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			h.Version = f.u32()
		}
		return nil
	})
	return h, err
}

type HelloAckExecStarted struct {
	ExecID string
	PID    int32
}

func (HelloAckExecStarted) Kind() MessageKind { return KindHelloAckExecStarted }
func (h HelloAckExecStarted) marshal() []byte {
	b := appendString(nil, 1, h.ExecID)
	return appendInt(b, 2, int64(h.PID))
}

func unmarshalHelloAckExecStarted(b []byte) (HelloAckExecStarted, error) {
	var h HelloAckExecStarted
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			h.ExecID = f.str()
		case 2:
			h.PID = f.i32()
		}
		return nil
	})
	return h, err
}

type HelloAckReady struct{}

func (HelloAckReady) Kind() MessageKind { return KindHelloAckReady }
func (HelloAckReady) marshal() []byte   { return nil }

type HelloAckError struct{ Info ErrorInfo }

func (HelloAckError) Kind() MessageKind { return KindHelloAckError }
func (h HelloAckError) marshal() []byte { return h.Info.marshalInto(nil) }

func unmarshalHelloAckError(b []byte) (HelloAckError, error) {
	info, err := unmarshalErrorInfo(b)
	return HelloAckError{Info: info}, err
}

// ---- ControlReq ----

type ControlReqPing struct{}

func (ControlReqPing) Kind() MessageKind { return KindControlReqPing }
func (ControlReqPing) marshal() []byte   { return nil }

type ControlReqShutdown struct{}

func (ControlReqShutdown) Kind() MessageKind { return KindControlReqShutdown }
func (ControlReqShutdown) marshal() []byte   { return nil }

type ControlReqQuiesce struct{}

func (ControlReqQuiesce) Kind() MessageKind { return KindControlReqQuiesce }
func (ControlReqQuiesce) marshal() []byte   { return nil }

type ControlReqThaw struct{}

func (ControlReqThaw) Kind() MessageKind { return KindControlReqThaw }
func (ControlReqThaw) marshal() []byte   { return nil }

// ---- ControlResp ----

type ControlRespPong struct {
	Version   uint32
	UptimeMs  int64
}

func (ControlRespPong) Kind() MessageKind { return KindControlRespPong }
func (c ControlRespPong) marshal() []byte {
	b := appendUvarint(nil, 1, uint64(c.Version))
	return appendInt(b, 2, c.UptimeMs)
}

func unmarshalControlRespPong(b []byte) (ControlRespPong, error) {
	var c ControlRespPong
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			c.Version = f.u32()
		case 2:
			c.UptimeMs = f.i64()
		}
		return nil
	})
	return c, err
}

type ControlRespShutdownOk struct{}

func (ControlRespShutdownOk) Kind() MessageKind { return KindControlRespShutdownOk }
func (ControlRespShutdownOk) marshal() []byte   { return nil }

type ControlRespQuiesceOk struct{ FrozenCount int32 }

func (ControlRespQuiesceOk) Kind() MessageKind { return KindControlRespQuiesceOk }
func (c ControlRespQuiesceOk) marshal() []byte { return appendInt(nil, 1, int64(c.FrozenCount)) }

func unmarshalControlRespQuiesceOk(b []byte) (ControlRespQuiesceOk, error) {
	var c ControlRespQuiesceOk
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			c.FrozenCount = f.i32()
		}
		return nil
	})
	return c, err
}

type ControlRespThawOk struct{ ThawedCount int32 }

func (ControlRespThawOk) Kind() MessageKind { return KindControlRespThawOk }
func (c ControlRespThawOk) marshal() []byte { return appendInt(nil, 1, int64(c.ThawedCount)) }

func unmarshalControlRespThawOk(b []byte) (ControlRespThawOk, error) {
	var c ControlRespThawOk
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			c.ThawedCount = f.i32()
		}
		return nil
	})
	return c, err
}

type ControlRespError struct{ Info ErrorInfo }

func (ControlRespError) Kind() MessageKind { return KindControlRespError }
func (c ControlRespError) marshal() []byte { return c.Info.marshalInto(nil) }

func unmarshalControlRespError(b []byte) (ControlRespError, error) {
	info, err := unmarshalErrorInfo(b)
	return ControlRespError{Info: info}, err
}

// ---- ExecIn ----

type ExecInStdin struct{ Data []byte }

func (ExecInStdin) Kind() MessageKind { return KindExecInStdin }
func (e ExecInStdin) marshal() []byte { return appendBytes(nil, 1, e.Data) }

func unmarshalExecInStdin(b []byte) (ExecInStdin, error) {
	var e ExecInStdin
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			e.Data = f.bytes
		}
		return nil
	})
	return e, err
}

type ExecInStdinClose struct{}

func (ExecInStdinClose) Kind() MessageKind { return KindExecInStdinClose }
func (ExecInStdinClose) marshal() []byte   { return nil }

type ExecInSignal struct{ Signal int32 }

func (ExecInSignal) Kind() MessageKind { return KindExecInSignal }
func (e ExecInSignal) marshal() []byte { return appendInt(nil, 1, int64(e.Signal)) }

func unmarshalExecInSignal(b []byte) (ExecInSignal, error) {
	var e ExecInSignal
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			e.Signal = f.i32()
		}
		return nil
	})
	return e, err
}

type ExecInResizeTty struct{ Size PtySize }

func (ExecInResizeTty) Kind() MessageKind { return KindExecInResizeTty }
func (e ExecInResizeTty) marshal() []byte { return e.Size.marshalInto(nil) }

func unmarshalExecInResizeTty(b []byte) (ExecInResizeTty, error) {
	size, err := unmarshalPtySize(b)
	return ExecInResizeTty{Size: size}, err
}

// ---- ExecOut ----

type ExecOutStdout struct{ Data []byte }

func (ExecOutStdout) Kind() MessageKind { return KindExecOutStdout }
func (e ExecOutStdout) marshal() []byte { return appendBytes(nil, 1, e.Data) }

func unmarshalExecOutStdout(b []byte) (ExecOutStdout, error) {
	var e ExecOutStdout
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			e.Data = f.bytes
		}
		return nil
	})
	return e, err
}

type ExecOutStderr struct{ Data []byte }

func (ExecOutStderr) Kind() MessageKind { return KindExecOutStderr }
func (e ExecOutStderr) marshal() []byte { return appendBytes(nil, 1, e.Data) }

func unmarshalExecOutStderr(b []byte) (ExecOutStderr, error) {
	var e ExecOutStderr
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			e.Data = f.bytes
		}
		return nil
	})
	return e, err
}

// ExecOutExit is the unique terminal message on an exec connection.
type ExecOutExit struct {
	Code         int32
	Signal       *int32
	TimedOut     bool
	DurationMs   int64
	ErrorMessage string
}

func (ExecOutExit) Kind() MessageKind { return KindExecOutExit }
func (e ExecOutExit) marshal() []byte {
	b := appendInt(nil, 1, int64(e.Code))
	if e.Signal != nil {
		b = appendInt(b, 2, int64(*e.Signal)+1) // +1: distinguish 0 from absent
	}
	b = appendBool(b, 3, e.TimedOut)
	b = appendInt(b, 4, e.DurationMs)
	b = appendString(b, 5, e.ErrorMessage)
	return b
}

func unmarshalExecOutExit(b []byte) (ExecOutExit, error) {
	var e ExecOutExit
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			e.Code = f.i32()
		case 2:
			s := f.i32() - 1
			e.Signal = &s
		case 3:
			e.TimedOut = f.boolean()
		case 4:
			e.DurationMs = f.i64()
		case 5:
			e.ErrorMessage = f.str()
		}
		return nil
	})
	return e, err
}

type ExecOutError struct{ Info ErrorInfo }

func (ExecOutError) Kind() MessageKind { return KindExecOutError }
func (e ExecOutError) marshal() []byte { return e.Info.marshalInto(nil) }

func unmarshalExecOutError(b []byte) (ExecOutError, error) {
	info, err := unmarshalErrorInfo(b)
	return ExecOutError{Info: info}, err
}

// ---- Upload / Download ----

type UploadChunk struct{ Data []byte }

func (UploadChunk) Kind() MessageKind { return KindUploadChunk }
func (u UploadChunk) marshal() []byte { return appendBytes(nil, 1, u.Data) }

func unmarshalUploadChunk(b []byte) (UploadChunk, error) {
	var u UploadChunk
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			u.Data = f.bytes
		}
		return nil
	})
	return u, err
}

type UploadDone struct{}

func (UploadDone) Kind() MessageKind { return KindUploadDone }
func (UploadDone) marshal() []byte   { return nil }

type UploadResultOk struct{}

func (UploadResultOk) Kind() MessageKind { return KindUploadResultOk }
func (UploadResultOk) marshal() []byte   { return nil }

type UploadResultError struct{ Info ErrorInfo }

func (UploadResultError) Kind() MessageKind { return KindUploadResultError }
func (u UploadResultError) marshal() []byte { return u.Info.marshalInto(nil) }

func unmarshalUploadResultError(b []byte) (UploadResultError, error) {
	info, err := unmarshalErrorInfo(b)
	return UploadResultError{Info: info}, err
}

type DownloadChunk struct{ Data []byte }

func (DownloadChunk) Kind() MessageKind { return KindDownloadChunk }
func (d DownloadChunk) marshal() []byte { return appendBytes(nil, 1, d.Data) }

func unmarshalDownloadChunk(b []byte) (DownloadChunk, error) {
	var d DownloadChunk
	err := walkFields(b, func(f field) error {
		if f.num == 1 {
			d.Data = f.bytes
		}
		return nil
	})
	return d, err
}

type DownloadDone struct{}

func (DownloadDone) Kind() MessageKind { return KindDownloadDone }
func (DownloadDone) marshal() []byte   { return nil }

type DownloadError struct{ Info ErrorInfo }

func (DownloadError) Kind() MessageKind { return KindDownloadError }
func (d DownloadError) marshal() []byte { return d.Info.marshalInto(nil) }

func unmarshalDownloadError(b []byte) (DownloadError, error) {
	info, err := unmarshalErrorInfo(b)
	return DownloadError{Info: info}, err
}

// Encode serializes m as an envelope: field 1 is the MessageKind discriminant,
// field 2 is m's own nested encoding.
func Encode(m Message) []byte {
	b := appendUvarint(nil, 1, uint64(m.Kind()))
	return appendMessage(b, 2, m.marshal())
}

// Decode parses an envelope produced by Encode and returns the concrete
// message value behind the Message interface.
func Decode(b []byte) (Message, error) {
	var kind MessageKind
	var payload []byte
	if err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			kind = MessageKind(f.varnt)
		case 2:
			payload = f.bytes
		}
		return nil
	}); err != nil {
		return nil, err
	}

	switch kind {
	case KindHelloControl:
		return unmarshalHelloControl(payload)
	case KindHelloExec:
		return unmarshalHelloExec(payload)
	case KindHelloFileRead:
		return unmarshalHelloFileRead(payload)
	case KindHelloFileWrite:
		return unmarshalHelloFileWrite(payload)
	case KindHelloCopyIn:
		return unmarshalHelloCopyIn(payload)
	case KindHelloCopyOut:
		return unmarshalHelloCopyOut(payload)
	case KindHelloAckControl:
		return unmarshalHelloAckControl(payload)
	case KindHelloAckExecStarted:
		return unmarshalHelloAckExecStarted(payload)
	case KindHelloAckReady:
		return HelloAckReady{}, nil
	case KindHelloAckError:
		return unmarshalHelloAckError(payload)
	case KindControlReqPing:
		return ControlReqPing{}, nil
	case KindControlReqShutdown:
		return ControlReqShutdown{}, nil
	case KindControlReqQuiesce:
		return ControlReqQuiesce{}, nil
	case KindControlReqThaw:
		return ControlReqThaw{}, nil
	case KindControlRespPong:
		return unmarshalControlRespPong(payload)
	case KindControlRespShutdownOk:
		return ControlRespShutdownOk{}, nil
	case KindControlRespQuiesceOk:
		return unmarshalControlRespQuiesceOk(payload)
	case KindControlRespThawOk:
		return unmarshalControlRespThawOk(payload)
	case KindControlRespError:
		return unmarshalControlRespError(payload)
	case KindExecInStdin:
		return unmarshalExecInStdin(payload)
	case KindExecInStdinClose:
		return ExecInStdinClose{}, nil
	case KindExecInSignal:
		return unmarshalExecInSignal(payload)
	case KindExecInResizeTty:
		return unmarshalExecInResizeTty(payload)
	case KindExecOutStdout:
		return unmarshalExecOutStdout(payload)
	case KindExecOutStderr:
		return unmarshalExecOutStderr(payload)
	case KindExecOutExit:
		return unmarshalExecOutExit(payload)
	case KindExecOutError:
		return unmarshalExecOutError(payload)
	case KindUploadChunk:
		return unmarshalUploadChunk(payload)
	case KindUploadDone:
		return UploadDone{}, nil
	case KindUploadResultOk:
		return UploadResultOk{}, nil
	case KindUploadResultError:
		return unmarshalUploadResultError(payload)
	case KindDownloadChunk:
		return unmarshalDownloadChunk(payload)
	case KindDownloadDone:
		return DownloadDone{}, nil
	case KindDownloadError:
		return unmarshalDownloadError(payload)
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}
}
