package runtime

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildTarFromPathAndExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tarPath, err := buildTarFromPath(src)
	if err != nil {
		t.Fatalf("buildTarFromPath: %v", err)
	}
	defer os.Remove(tarPath)

	dest := t.TempDir()
	if err := extractTarTo(tarPath, dest); err != nil {
		t.Fatalf("extractTarTo: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "sub", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}

// TestExtractTarToContainsTraversalEntries verifies that a "../../" entry
// name is clamped under dest rather than allowed to escape it: extractTarTo
// roots every entry name at "/" before joining it onto the canonicalized
// dest, so a traversal attempt lands inside dest instead of failing outright.
func TestExtractTarToContainsTraversalEntries(t *testing.T) {
	tmp, err := os.CreateTemp("", "bux-traversal-*.tar")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	tarPath := tmp.Name()
	defer os.Remove(tarPath)

	tw := tar.NewWriter(tmp)
	payload := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{
		Name: "../../etc/evil.txt",
		Mode: 0o644,
		Size: int64(len(payload)),
	}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("file Close: %v", err)
	}

	dest := t.TempDir()
	if err := extractTarTo(tarPath, dest); err != nil {
		t.Fatalf("extractTarTo: %v", err)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "etc", "evil.txt")); err == nil {
		t.Fatalf("traversal entry escaped dest and was written outside it")
	}
	if _, err := os.Stat(filepath.Join(dest, "etc", "evil.txt")); err != nil {
		t.Fatalf("expected traversal entry clamped under dest/etc/evil.txt: %v", err)
	}
}

func TestExtractTarToAcceptsLegitimateSingleFile(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tarPath, err := buildTarFromPath(filepath.Join(src, "f.txt"))
	if err != nil {
		t.Fatalf("buildTarFromPath: %v", err)
	}
	defer os.Remove(tarPath)

	dest := t.TempDir()
	if err := extractTarTo(tarPath, dest); err != nil {
		t.Fatalf("extractTarTo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "f.txt")); err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
}
