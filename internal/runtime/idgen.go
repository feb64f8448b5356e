package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync/atomic"
	"time"
)

var idSeq atomic.Uint32

// newID returns a short hex identifier salted by the current time, this
// process's pid, and a monotonic counter: the three are hashed together and
// the first 6 bytes of the digest are hex-encoded, so concurrent Spawns
// within the same process always hash distinct inputs.
func newID() string {
	seq := idSeq.Add(1)
	now := uint64(time.Now().UnixNano())
	pid := uint32(os.Getpid())

	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(now >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[8+i] = byte(pid >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[12+i] = byte(seq >> (8 * i))
	}
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:6])
}
