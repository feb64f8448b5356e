// Package extbuilder is the FFI containment boundary between diskmgr and
// the actual block-level ext4 image generator, which is an external
// collaborator not implemented by this module (spec.md's Non-goals name it
// explicitly: "the ext4 image generator, referenced only as a function
// producing a raw ext4 file from a directory tree").
package extbuilder

import (
	"fmt"

	"github.com/banksean/bux/internal/diskmgr"
)

// Build is wired into diskmgr.Open as the diskmgr.Ext4Builder. A concrete
// build links a real ext4 generator here.
var Build diskmgr.Ext4Builder = func(rootfsDir, dest string, sizeBytes int64) error {
	return fmt.Errorf("extbuilder: no ext4 image generator linked into this build")
}

// EstimateSize is wired into diskmgr.Open as the diskmgr.SizeEstimator. The
// default estimator is deliberately conservative and overridable by a
// concrete build that walks rootfsDir for a tighter figure.
var EstimateSize diskmgr.SizeEstimator = func(rootfsDir string) (int64, error) {
	const defaultSizeBytes = 4 << 30 // 4 GiB headroom when no real estimator is linked
	return defaultSizeBytes, nil
}
