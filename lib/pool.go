package lib

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Pool is the process-wide chunk pool. Every buffer that crosses the engine
// is borrowed from it and returned on release.
var Pool *rp.RingPool

// frameChunk is one pooled buffer with two roles: the receive path loads it
// with a decoded segment payload, the send path encodes a whole frame
// (header included) into it and holds it until the peer acknowledges. Either
// way `used` marks how much of the buffer is live.
type frameChunk struct {
	buf  []byte
	used int
}

// newFrameChunk is the ring pool's element constructor. The single expected
// parameter is the buffer size; a chunk must hold a maximally sized encoded
// segment.
func newFrameChunk(params ...interface{}) rp.DataInterface {
	size := chunkBufferLength
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			size = n
		}
	}
	return &frameChunk{buf: make([]byte, size)}
}

// Reset readies the chunk for reuse. The buffer contents are left in place;
// whoever claims the chunk next overwrites its live region.
func (c *frameChunk) Reset() {
	c.used = 0
}

// PrintContent dumps the chunk's live region for pool debugging.
func (c *frameChunk) PrintContent() {
	log.Printf("frameChunk: %d of %d bytes in use: %q", c.used, len(c.buf), c.buf[:c.used])
}

// buffer marks n bytes of the chunk as live and returns them for the caller
// to encode into. Returns nil when the chunk cannot hold n bytes.
func (c *frameChunk) buffer(n int) []byte {
	if n > len(c.buf) {
		return nil
	}
	c.used = n
	return c.buf[:n]
}

// load copies src into the chunk and marks it live.
func (c *frameChunk) load(src []byte) error {
	if len(src) > len(c.buf) {
		return fmt.Errorf("frameChunk.load: %d bytes do not fit a %d byte chunk", len(src), len(c.buf))
	}
	c.used = copy(c.buf, src)
	return nil
}

// bytes returns the chunk's live region.
func (c *frameChunk) bytes() []byte {
	return c.buf[:c.used]
}

// ensurePool initializes the process-wide chunk pool once.
func ensurePool(poolSize int) {
	if Pool == nil {
		Pool = rp.NewRingPool("CTCP: ", poolSize, newFrameChunk, chunkBufferLength)
	}
}
