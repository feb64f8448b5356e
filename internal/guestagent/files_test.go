//go:build linux

package guestagent

import (
	"archive/tar"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/banksean/bux/internal/wire"
)

func TestExtractTarSafelyRejectsTraversal(t *testing.T) {
	dest := t.TempDir()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd",
		Mode: 0o644,
		Size: int64(len(body)),
	}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tarPath := filepath.Join(t.TempDir(), "evil.tar")
	if err := os.WriteFile(tarPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := extractTarSafely(tarPath, dest); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "etc", "passwd")); err == nil {
		t.Fatal("traversal entry was written outside dest")
	}
}

func TestExtractTarSafelyAcceptsNested(t *testing.T) {
	dest := t.TempDir()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("hello")
	entries := []tar.Header{
		{Name: "a/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "a/b.txt", Mode: 0o644, Size: int64(len(body))},
	}
	for i, hdr := range entries {
		h := hdr
		if err := tw.WriteHeader(&h); err != nil {
			t.Fatalf("WriteHeader %d: %v", i, err)
		}
		if h.Typeflag != tar.TypeDir {
			if _, err := tw.Write(body); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tarPath := filepath.Join(t.TempDir(), "good.tar")
	if err := os.WriteFile(tarPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := extractTarSafely(tarPath, dest); err != nil {
		t.Fatalf("extractTarSafely: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "a", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestBuildTarAndExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tarPath := filepath.Join(t.TempDir(), "out.tar")
	if err := buildTar(tarPath, src, false); err != nil {
		t.Fatalf("buildTar: %v", err)
	}

	dest := t.TempDir()
	if err := extractTarSafely(tarPath, dest); err != nil {
		t.Fatalf("extractTarSafely: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "sub", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "contents" {
		t.Fatalf("got %q, want %q", got, "contents")
	}
}

func TestHandleFileReadNotFound(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- handleFileRead(server, "/nonexistent-path-xyz") }()

	m, err := wire.Recv(client)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	errMsg, ok := m.(wire.DownloadError)
	if !ok {
		t.Fatalf("expected DownloadError, got %T", m)
	}
	if errMsg.Info.Code != wire.ErrCodeNotFound {
		t.Fatalf("expected NotFound, got %v", errMsg.Info.Code)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleFileRead: %v", err)
	}
}

func TestHandleFileWriteRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")

	done := make(chan error, 1)
	go func() { done <- handleFileWrite(server, dest, 0o640) }()

	payload := []byte("round trip contents")
	go func() {
		_ = wire.SendUpload(client, bytes.NewReader(payload))
	}()

	m, err := wire.Recv(client)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, ok := m.(wire.UploadResultOk); !ok {
		t.Fatalf("expected UploadResultOk, got %T", m)
	}
	client.Close()
	server.Close()
	if err := <-done; err != nil {
		t.Fatalf("handleFileWrite: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("got mode %v, want 0640", info.Mode().Perm())
	}
}

func TestTempFilePathUnique(t *testing.T) {
	a := tempFilePath("tag")
	b := tempFilePath("tag")
	if a == b {
		t.Fatalf("expected unique paths, got %q twice", a)
	}
	if filepath.Dir(a) != "/tmp" {
		t.Fatalf("expected /tmp prefix, got %q", a)
	}
}

var _ io.Writer = (*os.File)(nil)
