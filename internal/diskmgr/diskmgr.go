// Package diskmgr manages shared ext4 base images and per-VM QCOW2
// copy-on-write overlays layered on top of them.
package diskmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ext4Builder produces a raw ext4 filesystem image at dest from the
// contents of rootfsDir, sized at least sizeBytes. The actual block-level
// ext4 generator is an external collaborator; diskmgr only calls it.
type Ext4Builder func(rootfsDir, dest string, sizeBytes int64) error

// SizeEstimator returns a reasonable image size in bytes for the contents of
// rootfsDir, with headroom for filesystem overhead and growth.
type SizeEstimator func(rootfsDir string) (int64, error)

const (
	basesDirName = "bases"
	vmsDirName   = "vms"
)

// Manager owns the bases/ and vms/ subdirectories under a data root.
type Manager struct {
	basesDir string
	vmsDir   string

	buildExt4    Ext4Builder
	estimateSize SizeEstimator
}

// Open creates (if absent) disks/bases and disks/vms under dataDir.
func Open(dataDir string, buildExt4 Ext4Builder, estimateSize SizeEstimator) (*Manager, error) {
	base := filepath.Join(dataDir, "disks")
	basesDir := filepath.Join(base, basesDirName)
	vmsDir := filepath.Join(base, vmsDirName)
	for _, d := range []string{basesDir, vmsDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("diskmgr: create %s: %w", d, err)
		}
	}
	return &Manager{basesDir: basesDir, vmsDir: vmsDir, buildExt4: buildExt4, estimateSize: estimateSize}, nil
}

func (m *Manager) BasePath(digest string) string {
	return filepath.Join(m.basesDir, digest+".raw")
}

func (m *Manager) HasBase(digest string) bool {
	_, err := os.Stat(m.BasePath(digest))
	return err == nil
}

// CreateBase produces a shared ext4 base image for digest from rootfsDir,
// idempotently: an existing file for this digest short-circuits.
func (m *Manager) CreateBase(rootfsDir, digest string) (string, error) {
	path := m.BasePath(digest)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	size, err := m.estimateSize(rootfsDir)
	if err != nil {
		return "", fmt.Errorf("diskmgr: estimate image size: %w", err)
	}

	tmp := path + ".tmp"
	if err := m.buildExt4(rootfsDir, tmp, size); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("diskmgr: build base image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("diskmgr: finalize base image: %w", err)
	}
	return path, nil
}

func (m *Manager) VMDiskPath(vmID string) string {
	return filepath.Join(m.vmsDir, vmID+".qcow2")
}

// CreateOverlay builds a QCOW2-v3 overlay for vmID backed by basePath,
// writing to a temp file and renaming into place.
func (m *Manager) CreateOverlay(basePath, vmID string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("diskmgr: resolve base path: %w", err)
	}
	absBase, err = filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", fmt.Errorf("diskmgr: canonicalize base path: %w", err)
	}

	info, err := os.Stat(absBase)
	if err != nil {
		return "", fmt.Errorf("diskmgr: stat base image: %w", err)
	}

	path := m.VMDiskPath(vmID)
	tmp := path + ".tmp"
	if err := createOverlayFile(tmp, absBase, info.Size()); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("diskmgr: create overlay: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("diskmgr: finalize overlay: %w", err)
	}
	return path, nil
}

func (m *Manager) RemoveVMDisk(vmID string) error {
	path := m.VMDiskPath(vmID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("diskmgr: remove vm disk: %w", err)
	}
	return nil
}

func (m *Manager) RemoveBase(digest string) error {
	path := m.BasePath(digest)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("diskmgr: remove base: %w", err)
	}
	return nil
}

func (m *Manager) ListBases() ([]string, error) {
	entries, err := os.ReadDir(m.basesDir)
	if err != nil {
		return nil, fmt.Errorf("diskmgr: list bases: %w", err)
	}
	var digests []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".raw"); ok {
			digests = append(digests, name)
		}
	}
	return digests, nil
}
