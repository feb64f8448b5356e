package imagestore

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

const (
	whiteoutPrefix    = ".wh."
	whiteoutOpaqueTag = ".wh..wh..opq"
)

// MaterializeRootfs applies layerDigests in order under the rootfs directory
// keyed by manifestDigest, streaming each layer's tar entries without
// buffering the whole archive. A no-op if the directory already exists.
func (s *Store) MaterializeRootfs(manifestDigest digest.Digest, layerDigests []digest.Digest) (string, error) {
	dir := s.RootfsDir(manifestDigest)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	tmp := dir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return "", fmt.Errorf("imagestore: clear stale rootfs staging dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("imagestore: create rootfs staging dir: %w", err)
	}

	for _, d := range layerDigests {
		if err := s.applyLayer(tmp, d); err != nil {
			os.RemoveAll(tmp)
			return "", fmt.Errorf("imagestore: apply layer %s: %w", d, err)
		}
	}

	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("imagestore: finalize rootfs dir: %w", err)
	}
	return dir, nil
}

func (s *Store) applyLayer(rootDir string, d digest.Digest) error {
	f, err := s.OpenBlob(d)
	if err != nil {
		return fmt.Errorf("open layer blob: %w", err)
	}
	defer f.Close()
	return applyLayerTar(rootDir, f)
}

// applyLayerTar streams entries from r onto rootDir, honoring OCI whiteout
// conventions.
func applyLayerTar(rootDir string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		base := filepath.Base(name)
		dir := filepath.Dir(name)

		if base == whiteoutOpaqueTag {
			target := filepath.Join(rootDir, dir)
			if err := clearChildren(target); err != nil {
				return fmt.Errorf("apply opaque whiteout at %s: %w", dir, err)
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			victim := filepath.Join(rootDir, dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(victim); err != nil {
				return fmt.Errorf("apply whiteout for %s: %w", victim, err)
			}
			continue
		}

		dest := filepath.Join(rootDir, name)
		if err := unpackEntry(tr, hdr, dest); err != nil {
			return fmt.Errorf("unpack %s: %w", name, err)
		}
	}
}

func clearChildren(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func unpackEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode&0o7777))
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		os.Remove(dest) // overwrite enabled
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		os.Remove(dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeLink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		target := filepath.Join(filepath.Dir(dest), filepath.Base(hdr.Linkname))
		os.Remove(dest)
		return os.Link(target, dest)
	default:
		// Device/fifo nodes and other exotica are skipped rather than failed;
		// the sandbox rootfs never needs them.
		return nil
	}
}
