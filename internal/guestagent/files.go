//go:build linux

package guestagent

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/banksean/bux/internal/wire"
)

// tempSeq produces unique temp file names, avoiding a PID-only collision
// when the agent handles overlapping file operations.
var tempSeq atomic.Uint64

func tempFilePath(tag string) string {
	seq := tempSeq.Add(1)
	return filepath.Join("/tmp", fmt.Sprintf("bux-%s-%d-%d", tag, os.Getpid(), seq))
}

// handleFileRead streams path's contents back as Download frames.
func handleFileRead(conn io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		info := wire.ErrorInfo{Code: wire.ErrCodeNotFound, Message: err.Error()}
		return wire.Send(conn, wire.DownloadError{Info: info})
	}
	defer f.Close()
	return wire.SendDownloadFromReader(conn, f)
}

// handleFileWrite receives an upload into a temp file, then moves it into
// place at path with the requested mode. The temp file is always cleaned
// up, whether or not the move succeeds.
func handleFileWrite(conn io.ReadWriter, path string, mode uint32) error {
	tempPath, err := recvUploadToTempFile(conn, "upload")
	if err != nil {
		info := wire.ErrorInfo{Code: wire.ErrCodeInternal, Message: err.Error()}
		return wire.Send(conn, wire.UploadResultError{Info: info})
	}
	defer os.Remove(tempPath)

	result := func() error {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		if err := copyFile(tempPath, path); err != nil {
			return err
		}
		return os.Chmod(path, os.FileMode(mode))
	}()

	if result != nil {
		info := wire.ErrorInfo{Code: wire.ErrCodeInternal, Message: result.Error()}
		return wire.Send(conn, wire.UploadResultError{Info: info})
	}
	return wire.Send(conn, wire.UploadResultOk{})
}

// handleCopyIn receives a tar archive into a temp file and extracts it into
// dest, rejecting any entry whose parent directory resolves outside dest
// once canonicalized (blocking `..` traversal and symlink-out escapes).
func handleCopyIn(conn io.ReadWriter, dest string) error {
	tempPath, err := recvUploadToTempFile(conn, "copyin")
	if err != nil {
		info := wire.ErrorInfo{Code: wire.ErrCodeInternal, Message: err.Error()}
		return wire.Send(conn, wire.UploadResultError{Info: info})
	}
	defer os.Remove(tempPath)

	if err := extractTarSafely(tempPath, dest); err != nil {
		info := wire.ErrorInfo{Code: wire.ErrCodeInternal, Message: err.Error()}
		return wire.Send(conn, wire.UploadResultError{Info: info})
	}
	return wire.Send(conn, wire.UploadResultOk{})
}

// handleCopyOut tars path into a temp file and streams it back as Download
// frames.
func handleCopyOut(conn io.ReadWriter, path string, followSymlinks bool) error {
	tempPath := tempFilePath("download")
	if err := buildTar(tempPath, path, followSymlinks); err != nil {
		os.Remove(tempPath)
		info := wire.ErrorInfo{Code: wire.ErrCodeNotFound, Message: err.Error()}
		return wire.Send(conn, wire.DownloadError{Info: info})
	}
	defer os.Remove(tempPath)

	f, err := os.Open(tempPath)
	if err != nil {
		info := wire.ErrorInfo{Code: wire.ErrCodeInternal, Message: err.Error()}
		return wire.Send(conn, wire.DownloadError{Info: info})
	}
	defer f.Close()
	return wire.SendDownloadFromReader(conn, f)
}

func recvUploadToTempFile(conn io.Reader, tag string) (string, error) {
	tempPath := tempFilePath(tag)
	f, err := os.Create(tempPath)
	if err != nil {
		return "", err
	}
	_, err = wire.RecvUploadToWriter(conn, f)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", err
	}
	return tempPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// extractTarSafely canonicalizes dest, then for every archive entry
// verifies the entry's parent directory resolves to a path inside the
// canonical dest before unpacking. Permissions and ownership are preserved
// as far as the calling process's privileges allow.
func extractTarSafely(tarPath, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	canonicalDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		within := func(p string) bool {
			rel, err := filepath.Rel(canonicalDest, p)
			return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
		}
		target := filepath.Join(canonicalDest, hdr.Name)
		if !within(target) {
			return fmt.Errorf("path traversal blocked: %s", hdr.Name)
		}
		if target != canonicalDest {
			if resolved, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil && !within(resolved) {
				return fmt.Errorf("path traversal blocked: %s", hdr.Name)
			}
		}

		if err := unpackTarEntry(tr, hdr, target); err != nil {
			return err
		}
		_ = os.Lchown(target, hdr.Uid, hdr.Gid)
	}
}

func unpackTarEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode&0o7777))
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o7777))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkTarget := filepath.Join(filepath.Dir(target), filepath.Base(hdr.Linkname))
		os.Remove(target)
		return os.Link(linkTarget, target)
	default:
		return nil
	}
}

// buildTar archives path into dest. Directories are archived recursively
// under "."; single files keep their base name as the sole archive entry.
func buildTar(dest, path string, followSymlinks bool) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	tw := tar.NewWriter(out)

	var meta os.FileInfo
	if followSymlinks {
		meta, err = os.Stat(path)
	} else {
		meta, err = os.Lstat(path)
	}
	if err != nil {
		return err
	}

	if meta.IsDir() {
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			return appendTarEntry(tw, p, rel, info, followSymlinks)
		})
	} else {
		err = appendTarEntry(tw, path, filepath.Base(path), meta, followSymlinks)
	}
	if err != nil {
		return err
	}
	return tw.Close()
}

func appendTarEntry(tw *tar.Writer, fsPath, archiveName string, info os.FileInfo, followSymlinks bool) error {
	var link string
	if !followSymlinks && info.Mode()&os.ModeSymlink != 0 {
		var err error
		link, err = os.Readlink(fsPath)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	if archiveName == "." {
		hdr.Name = "."
	} else {
		hdr.Name = filepath.ToSlash(archiveName)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(fsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}
	return nil
}
