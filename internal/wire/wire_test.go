package wire

import (
	"bytes"
	"strings"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := Send(&buf, m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := Recv(&buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return got
}

func TestCodecRoundTrip(t *testing.T) {
	cwd := "/root"
	uid := uint32(0)
	sig := int32(9)

	cases := []Message{
		HelloControl{Version: ProtocolVersion},
		HelloExec{Start: ExecStart{
			Cmd: "/bin/echo", Args: []string{"hi"}, Env: []string{"A=1"},
			Cwd: &cwd, UID: &uid, StdinEnabled: true,
			TTY:       &PtySize{Rows: 24, Cols: 80},
			TimeoutMs: 5000,
		}},
		HelloFileRead{Path: "/tmp/x"},
		HelloFileWrite{Path: "/tmp/x", Mode: 0o640},
		HelloCopyIn{Dest: "/tmp/dest"},
		HelloCopyOut{Path: "/tmp/src", FollowSymlinks: true},
		HelloAckControl{Version: ProtocolVersion},
		HelloAckExecStarted{ExecID: "e1", PID: 1234},
		HelloAckReady{},
		HelloAckError{Info: ErrorInfo{Code: ErrCodeNotFound, Message: "nope"}},
		ControlReqPing{},
		ControlReqShutdown{},
		ControlReqQuiesce{},
		ControlReqThaw{},
		ControlRespPong{Version: ProtocolVersion, UptimeMs: 42},
		ControlRespShutdownOk{},
		ControlRespQuiesceOk{FrozenCount: 3},
		ControlRespThawOk{ThawedCount: 3},
		ControlRespError{Info: ErrorInfo{Code: ErrCodeInternal, Message: "boom"}},
		ExecInStdin{Data: []byte("hello")},
		ExecInStdinClose{},
		ExecInSignal{Signal: sig},
		ExecInResizeTty{Size: PtySize{Rows: 40, Cols: 120}},
		ExecOutStdout{Data: []byte("out")},
		ExecOutStderr{Data: []byte("err")},
		ExecOutExit{Code: 0, Signal: &sig, TimedOut: true, DurationMs: 200},
		ExecOutExit{Code: 0}, // Signal absent
		ExecOutError{Info: ErrorInfo{Code: ErrCodeTimeout, Message: "slow"}},
		UploadChunk{Data: []byte("chunk")},
		UploadDone{},
		UploadResultOk{},
		UploadResultError{Info: ErrorInfo{Code: ErrCodePermissionDenied}},
		DownloadChunk{Data: []byte("chunk")},
		DownloadDone{},
		DownloadError{Info: ErrorInfo{Code: ErrCodeLimitExceeded}},
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		if got.Kind() != want.Kind() {
			t.Errorf("kind mismatch: got %v want %v", got.Kind(), want.Kind())
			continue
		}
		if !bytes.Equal(Encode(got), Encode(want)) {
			t.Errorf("round-trip mismatch for %T:\n got  %#v\n want %#v", want, got, want)
		}
	}
}

func TestExecOutExitSignalAbsence(t *testing.T) {
	got := roundTrip(t, ExecOutExit{Code: 1}).(ExecOutExit)
	if got.Signal != nil {
		t.Fatalf("expected nil Signal, got %v", *got.Signal)
	}
}

func TestExecStartOptionalUIDZero(t *testing.T) {
	uid := uint32(0)
	got := roundTrip(t, HelloExec{Start: ExecStart{Cmd: "x", UID: &uid}}).(HelloExec)
	if got.Start.UID == nil || *got.Start.UID != 0 {
		t.Fatalf("expected UID=0 to survive round trip, got %v", got.Start.UID)
	}
}

func TestExecStartNoUID(t *testing.T) {
	got := roundTrip(t, HelloExec{Start: ExecStart{Cmd: "x"}}).(HelloExec)
	if got.Start.UID != nil {
		t.Fatalf("expected nil UID, got %v", *got.Start.UID)
	}
}

func TestFrameRejectsOversizeHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := Recv(&buf); err == nil {
		t.Fatal("expected error decoding oversize frame header")
	}
}

func TestUploadStreamRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 1<<14) // 128 KiB, a single chunk at the 1 MiB StreamChunkSize
	var wire bytes.Buffer
	if err := SendUpload(&wire, bytes.NewReader(payload)); err != nil {
		t.Fatalf("SendUpload: %v", err)
	}
	var out bytes.Buffer
	n, err := RecvUploadToWriter(&wire, &out)
	if err != nil {
		t.Fatalf("RecvUploadToWriter: %v", err)
	}
	if n != int64(len(payload)) || !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("upload round trip mismatch: got %d bytes", n)
	}
}

func TestDownloadStreamRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("z", 4096))
	var wire bytes.Buffer
	if err := SendDownloadFromReader(&wire, bytes.NewReader(payload)); err != nil {
		t.Fatalf("SendDownloadFromReader: %v", err)
	}
	var out bytes.Buffer
	n, err := RecvDownload(&wire, &out)
	if err != nil {
		t.Fatalf("RecvDownload: %v", err)
	}
	if n != int64(len(payload)) || !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("download round trip mismatch: got %d bytes", n)
	}
}
