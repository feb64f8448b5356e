package diskmgr

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Minimal QCOW2 v3 overlay image generator. The on-disk layout is exactly
// four 64 KiB clusters:
//
//	cluster 0: 104-byte header + backing-format extension + end sentinel
//	           + backing file name
//	cluster 1: L1 table, all zero (no allocated L2 tables — every read
//	           falls through to the backing file)
//	cluster 2: refcount table, one 8-byte entry pointing at cluster 3
//	cluster 3: refcount block, 16-bit entries; 0..3 set to 1
const (
	qcowVersion       uint32 = 3
	clusterBits       uint32 = 16
	clusterSize       uint64 = 1 << clusterBits
	refcountOrder     uint32 = 4
	headerLength      uint32 = 104
	extBackingFormat  uint32 = 0xE2792ACA
	extEnd            uint32 = 0
	backingFormatName        = "raw"
)

// qcowMagicBytes is the literal 4-byte magic "QFI\xfb": 'Q' 'F' 'I' 0xfb.
var qcowMagicBytes = [4]byte{'Q', 'F', 'I', 0xfb}

func qcowMagicU32() uint32 {
	return binary.BigEndian.Uint32(qcowMagicBytes[:])
}

// createOverlayFile writes a minimal QCOW2 v3 image to path, backed by
// backingPath (must be absolute), sized virtualSize.
func createOverlayFile(path, backingPath string, virtualSize int64) error {
	backingBytes := []byte(backingPath)

	l1Offset := clusterSize     // cluster 1
	rcTableOffset := 2 * clusterSize // cluster 2
	rcBlockOffset := 3 * clusterSize // cluster 3

	// Each L1 entry covers an L2 table's worth of clusters:
	// (cluster_size/8) entries per L2 table, each covering one cluster.
	l2Coverage := (clusterSize / 8) * clusterSize
	l1Entries := uint32(ceilDiv(uint64(virtualSize), l2Coverage))

	totalSize := 4 * clusterSize
	buf := make([]byte, totalSize)

	h := buf[:headerLength]
	binary.BigEndian.PutUint32(h[0:4], qcowMagicU32())
	binary.BigEndian.PutUint32(h[4:8], qcowVersion)
	// backing_file_offset (h[8:16]) patched below, once extensions are laid out.
	binary.BigEndian.PutUint32(h[16:20], uint32(len(backingBytes)))
	binary.BigEndian.PutUint32(h[20:24], clusterBits)
	binary.BigEndian.PutUint64(h[24:32], uint64(virtualSize))
	binary.BigEndian.PutUint32(h[32:36], 0) // crypt_method
	binary.BigEndian.PutUint32(h[36:40], l1Entries)
	binary.BigEndian.PutUint64(h[40:48], l1Offset)
	binary.BigEndian.PutUint64(h[48:56], rcTableOffset)
	binary.BigEndian.PutUint32(h[56:60], 1) // refcount_table_clusters
	binary.BigEndian.PutUint32(h[60:64], 0) // nb_snapshots
	binary.BigEndian.PutUint64(h[64:72], 0) // snapshots_offset
	binary.BigEndian.PutUint64(h[72:80], 0) // incompatible_features
	binary.BigEndian.PutUint64(h[80:88], 0) // compatible_features
	binary.BigEndian.PutUint64(h[88:96], 0) // autoclear_features
	binary.BigEndian.PutUint32(h[96:100], refcountOrder)
	binary.BigEndian.PutUint32(h[100:104], headerLength)

	off := int(headerLength)

	fmtBytes := []byte(backingFormatName)
	binary.BigEndian.PutUint32(buf[off:off+4], extBackingFormat)
	binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(len(fmtBytes)))
	copy(buf[off+8:off+8+len(fmtBytes)], fmtBytes)
	off += 8 + align8(len(fmtBytes))

	binary.BigEndian.PutUint32(buf[off:off+4], extEnd)
	binary.BigEndian.PutUint32(buf[off+4:off+8], 0)
	off += 8

	backingOffset := uint64(off)
	copy(buf[off:off+len(backingBytes)], backingBytes)

	binary.BigEndian.PutUint64(buf[8:16], backingOffset)

	// Cluster 1 (L1 table) is left all-zero.

	binary.BigEndian.PutUint64(buf[rcTableOffset:rcTableOffset+8], rcBlockOffset)

	rcBase := rcBlockOffset
	for i := uint64(0); i < 4; i++ {
		binary.BigEndian.PutUint16(buf[rcBase+i*2:rcBase+i*2+2], 1)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write overlay contents: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync overlay file: %w", err)
	}
	return f.Close()
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
