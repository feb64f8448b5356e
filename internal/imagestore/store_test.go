package imagestore

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLayerIdempotent(t *testing.T) {
	s := openTestStore(t)
	data := []byte("layer bytes")

	d1, err := s.SaveLayer(data, "application/vnd.oci.image.layer.v1.tar")
	if err != nil {
		t.Fatalf("SaveLayer: %v", err)
	}
	d2, err := s.SaveLayer(data, "application/vnd.oci.image.layer.v1.tar")
	if err != nil {
		t.Fatalf("SaveLayer (again): %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest mismatch across saves: %s vs %s", d1, d2)
	}

	var refcount int
	if err := s.db.QueryRow(`SELECT refcount FROM layers WHERE digest = ?`, d1.String()).Scan(&refcount); err != nil {
		t.Fatalf("query refcount: %v", err)
	}
	if refcount != 2 {
		t.Fatalf("expected refcount 2 after two saves, got %d", refcount)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, blobsDirName))
	if err != nil {
		t.Fatalf("ReadDir blobs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one blob file, got %d", len(entries))
	}
}

func TestUpsertAndRemoveImage(t *testing.T) {
	s := openTestStore(t)

	layerData := []byte("fs-layer")
	layerDigest, err := s.SaveLayer(layerData, "application/vnd.oci.image.layer.v1.tar")
	if err != nil {
		t.Fatalf("SaveLayer: %v", err)
	}

	manifestDigest := digest.Digest("sha256:" + repeatHex('a'))
	if err := s.UpsertImage("docker.io/library/alpine:latest", manifestDigest, int64(len(layerData)), nil, []digest.Digest{layerDigest}); err != nil {
		t.Fatalf("UpsertImage: %v", err)
	}

	images, err := s.ListImages()
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 1 || len(images[0].LayerDigests) != 1 {
		t.Fatalf("unexpected image listing: %+v", images)
	}

	if err := s.RemoveImage("docker.io/library/alpine:latest"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}

	if _, err := s.GetDigest("docker.io/library/alpine:latest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}

	var refcount int
	err = s.db.QueryRow(`SELECT refcount FROM layers WHERE digest = ?`, layerDigest.String()).Scan(&refcount)
	if err == nil {
		t.Fatalf("expected layer row to be swept, found refcount=%d", refcount)
	}

	if _, err := os.Stat(s.blobPath(blobsDirName, layerDigest)); !os.IsNotExist(err) {
		t.Fatalf("expected swept layer blob to be unlinked, stat err: %v", err)
	}
}

func TestExtractionWhiteout(t *testing.T) {
	root := t.TempDir()

	l1 := tarOf(t, map[string]string{"a/x": "hello"})
	l2 := tarOf(t, map[string]string{"a/.wh.x": ""})

	if err := applyLayerTar(root, bytes.NewReader(l1)); err != nil {
		t.Fatalf("apply layer 1: %v", err)
	}
	if err := applyLayerTar(root, bytes.NewReader(l2)); err != nil {
		t.Fatalf("apply layer 2: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "a")); err != nil {
		t.Fatalf("expected a/ to remain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a", "x")); !os.IsNotExist(err) {
		t.Fatalf("expected a/x to be removed by whiteout, stat err: %v", err)
	}
}

func TestExtractionOpaqueWhiteout(t *testing.T) {
	root := t.TempDir()

	l1 := tarOf(t, map[string]string{"a/x": "hello", "a/y": "world"})
	l2 := tarOf(t, map[string]string{"a/.wh..wh..opq": ""})

	if err := applyLayerTar(root, bytes.NewReader(l1)); err != nil {
		t.Fatalf("apply layer 1: %v", err)
	}
	if err := applyLayerTar(root, bytes.NewReader(l2)); err != nil {
		t.Fatalf("apply layer 2: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "a"))
	if err != nil {
		t.Fatalf("ReadDir a/: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected a/ empty after opaque whiteout, got %v", entries)
	}
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar content %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

func repeatHex(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
