package bcache

import (
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/sched"
)

// A Buffer caches one disk block. Buffers are created once, with the cache,
// and are recycled between (device, block) identities for as long as it
// lives. A buffer with a count above zero is pinned and will not be reused;
// a locked buffer has I/O in flight and its data must not be touched.
type Buffer struct {
	data     []byte
	dev      common.Dev // NODEV when the buffer holds no block
	blocknr  uint32
	count    int
	dirty    bool
	uptodate bool
	locked   bool
	wait     sched.WaitQueue // threads waiting for the lock to clear

	idx int // slot in the pool
}

func (b *Buffer) Data() []byte    { return b.data }
func (b *Buffer) Dev() common.Dev { return b.dev }
func (b *Buffer) Blocknr() uint32 { return b.blocknr }
func (b *Buffer) Count() int      { return b.count }
func (b *Buffer) Dirty() bool     { return b.dirty }
func (b *Buffer) Uptodate() bool  { return b.uptodate }
func (b *Buffer) Locked() bool    { return b.locked }

// MarkDirty records that the data has changed and must be written back.
func (b *Buffer) MarkDirty() { b.dirty = true }

// MarkUptodate records that the data is valid without reading the block,
// because the caller has filled it in.
func (b *Buffer) MarkUptodate() { b.uptodate = true }

// Forget drops both the dirty and up-to-date state, so that the contents are
// neither written back nor trusted again.
func (b *Buffer) Forget() {
	b.dirty = false
	b.uptodate = false
}

// Zero clears the data of the buffer.
func (b *Buffer) Zero() {
	clear(b.data)
}

// badness ranks eviction candidates: clean before dirty, unlocked before
// locked.
func (b *Buffer) badness() int {
	n := 0
	if b.dirty {
		n += 2
	}
	if b.locked {
		n++
	}
	return n
}
