// Package bcache implements the buffer cache: a fixed pool of block buffers,
// indexed by a hash table on (device, block) and kept on a circular free
// list in least-recently-used order.
//
// Preconditions: every exported method of Cache must be called with the CPU
// held (see package sched).
package bcache

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/device"
	"github.com/jnwhiteh/minixkern/sched"
)

var log = debug.Logger("bcache")

// IO is the block driver the cache issues its reads and writes to.
type IO interface {
	// Submit starts a transfer and returns immediately; r.Done is called
	// when it completes.
	Submit(r *device.Request)
}

const none = -1

type Cache struct {
	cpu *sched.CPU
	io  IO

	arena []byte   // backing memory of every buffer
	buf   []Buffer // static list of cache buffers

	// the free list: a circular list through every buffer, head is the
	// least recently used, head's predecessor the most recently used
	freeNext []int
	freePrev []int
	freeHead int

	// the hash table, with chains keyed by (dev^block) % len(hashHead)
	hashHead []int
	hashNext []int
	hashPrev []int

	bufferWait sched.WaitQueue // threads waiting for any buffer to be released
	inodes     common.InodeSyncer
}

// New creates a cache of nbuf buffers with nhash hash chains.
func New(cpu *sched.CPU, io IO, nbuf, nhash int) *Cache {
	if nbuf < 1 || nhash < 1 {
		panic(fmt.Sprintf("bcache: bad cache geometry %d/%d", nbuf, nhash))
	}
	c := &Cache{
		cpu:      cpu,
		io:       io,
		arena:    make([]byte, nbuf*common.BLOCK_SIZE),
		buf:      make([]Buffer, nbuf),
		freeNext: make([]int, nbuf),
		freePrev: make([]int, nbuf),
		hashHead: make([]int, nhash),
		hashNext: make([]int, nbuf),
		hashPrev: make([]int, nbuf),
	}
	for i := range c.buf {
		b := &c.buf[i]
		b.idx = i
		b.data = c.arena[i*common.BLOCK_SIZE : (i+1)*common.BLOCK_SIZE : (i+1)*common.BLOCK_SIZE]
		c.freeNext[i] = (i + 1) % nbuf
		c.freePrev[i] = (i + nbuf - 1) % nbuf
		c.hashNext[i] = none
		c.hashPrev[i] = none
	}
	for i := range c.hashHead {
		c.hashHead[i] = none
	}
	c.freeHead = 0
	return c
}

// SetInodeSyncer registers the inode table that is flushed before devices
// are written back.
func (c *Cache) SetInodeSyncer(s common.InodeSyncer) {
	c.inodes = s
}

func (c *Cache) hashfn(dev common.Dev, block uint32) int {
	return int((uint32(dev) ^ block) % uint32(len(c.hashHead)))
}

func (c *Cache) removeFromQueues(b *Buffer) {
	i := b.idx
	// remove from hash chain
	if b.dev != common.NODEV {
		if next := c.hashNext[i]; next != none {
			c.hashPrev[next] = c.hashPrev[i]
		}
		if prev := c.hashPrev[i]; prev != none {
			c.hashNext[prev] = c.hashNext[i]
		} else {
			h := c.hashfn(b.dev, b.blocknr)
			if c.hashHead[h] != i {
				log.Panicf("Free block list corrupted")
			}
			c.hashHead[h] = c.hashNext[i]
		}
		c.hashNext[i] = none
		c.hashPrev[i] = none
	}
	// remove from free list
	if c.freeNext[i] == i {
		c.freeHead = none
	} else {
		c.freeNext[c.freePrev[i]] = c.freeNext[i]
		c.freePrev[c.freeNext[i]] = c.freePrev[i]
		if c.freeHead == i {
			c.freeHead = c.freeNext[i]
		}
	}
}

func (c *Cache) insertIntoQueues(b *Buffer) {
	i := b.idx
	// put at end of free list
	if c.freeHead == none {
		c.freeHead = i
		c.freeNext[i] = i
		c.freePrev[i] = i
	} else {
		tail := c.freePrev[c.freeHead]
		c.freeNext[tail] = i
		c.freePrev[i] = tail
		c.freeNext[i] = c.freeHead
		c.freePrev[c.freeHead] = i
	}
	// put the buffer in new hash-queue if it has a device
	if b.dev == common.NODEV {
		return
	}
	h := c.hashfn(b.dev, b.blocknr)
	c.hashPrev[i] = none
	c.hashNext[i] = c.hashHead[h]
	if c.hashHead[h] != none {
		c.hashPrev[c.hashHead[h]] = i
	}
	c.hashHead[h] = i
}

func (c *Cache) findBuffer(dev common.Dev, block uint32) *Buffer {
	for i := c.hashHead[c.hashfn(dev, block)]; i != none; i = c.hashNext[i] {
		if b := &c.buf[i]; b.dev == dev && b.blocknr == block {
			return b
		}
	}
	return nil
}

// Lookup returns the cached buffer for (dev, block), pinned, or nil if the
// block is not in the cache. The buffer may have changed identity while we
// waited for it to be unlocked, so that is checked again afterwards.
func (c *Cache) Lookup(dev common.Dev, block uint32) *Buffer {
	for {
		b := c.findBuffer(dev, block)
		if b == nil {
			return nil
		}
		b.count++
		c.waitOnBuffer(b)
		if b.dev == dev && b.blocknr == block {
			return b
		}
		c.unpin(b)
	}
}

func (c *Cache) waitOnBuffer(b *Buffer) {
	for b.locked {
		b.wait.Sleep(c.cpu)
	}
}

// pickVictim walks the free list from its head and returns the unpinned
// buffer with the lowest badness, or nil if every buffer is pinned.
func (c *Cache) pickVictim() *Buffer {
	var best *Buffer
	i := c.freeHead
	for {
		b := &c.buf[i]
		if b.count == 0 && (best == nil || b.badness() < best.badness()) {
			best = b
			if best.badness() == 0 {
				break
			}
		}
		i = c.freeNext[i]
		if i == c.freeHead {
			break
		}
	}
	return best
}

// GetBlock returns a pinned buffer for (dev, block). The buffer is not read
// from disk; its Uptodate reports whether the contents are valid. GetBlock
// never fails: when every buffer is pinned it sleeps until one is released.
func (c *Cache) GetBlock(dev common.Dev, block uint32) *Buffer {
repeat:
	if b := c.Lookup(dev, block); b != nil {
		return b
	}
	b := c.pickVictim()
	if b == nil {
		c.bufferWait.Sleep(c.cpu)
		goto repeat
	}
	c.waitOnBuffer(b)
	if b.count > 0 {
		goto repeat
	}
	for b.dirty {
		c.rw(common.WRITE, b)
		c.waitOnBuffer(b)
		if b.count > 0 {
			goto repeat
		}
	}
	// Someone may have added the block to the cache while we slept.
	if c.findBuffer(dev, block) != nil {
		goto repeat
	}
	// OK, this is our buffer. Since it is unused, not locked and clean, it
	// can be given its new identity.
	b.count = 1
	b.dirty = false
	b.uptodate = false
	c.removeFromQueues(b)
	b.dev = dev
	b.blocknr = block
	c.insertIntoQueues(b)
	return b
}

// Release unpins b. Releasing a buffer that is not pinned is fatal.
func (c *Cache) Release(b *Buffer) {
	if b == nil {
		return
	}
	c.waitOnBuffer(b)
	if b.count == 0 {
		log.Panicf("Trying to free free buffer (dev %s, block %d)", b.dev, b.blocknr)
	}
	b.count--
	c.bufferWait.WakeOne()
}

// unpin drops a pin without waiting for I/O in flight.
func (c *Cache) unpin(b *Buffer) {
	if b.count == 0 {
		log.Panicf("Trying to free free buffer (dev %s, block %d)", b.dev, b.blocknr)
	}
	b.count--
	if b.count == 0 {
		c.bufferWait.WakeOne()
	}
}

// ReadBlock returns a pinned buffer holding the contents of (dev, block),
// reading it from disk if needed. It returns EIO if the read fails.
func (c *Cache) ReadBlock(dev common.Dev, block uint32) (*Buffer, error) {
	b := c.GetBlock(dev, block)
	if b.uptodate {
		return b, nil
	}
	c.rw(common.READ, b)
	c.waitOnBuffer(b)
	if b.uptodate {
		return b, nil
	}
	c.Release(b)
	return nil, fmt.Errorf("read dev %s block %d: %w", dev, block, common.EIO)
}

// ReadAhead works like ReadBlock, and additionally starts reads of the extra
// blocks, which are released without waiting so that they are warm in the
// cache for a later read.
func (c *Cache) ReadAhead(dev common.Dev, first uint32, extra ...uint32) (*Buffer, error) {
	b := c.GetBlock(dev, first)
	if !b.uptodate {
		c.rw(common.READ, b)
	}
	for _, block := range extra {
		tmp := c.GetBlock(dev, block)
		if !tmp.uptodate {
			c.rw(common.READA, tmp)
		}
		c.unpin(tmp)
	}
	c.waitOnBuffer(b)
	if b.uptodate {
		return b, nil
	}
	c.Release(b)
	return nil, fmt.Errorf("read dev %s block %d: %w", dev, first, common.EIO)
}

// ReadPage fills a page with up to BLOCKS_PER_PAGE blocks. All reads are
// started before waiting on any of them. A zero block number leaves its part
// of the page untouched, as does a failed read, which is also reported.
func (c *Cache) ReadPage(page []byte, dev common.Dev, blocks [common.BLOCKS_PER_PAGE]uint32) error {
	if len(page) < common.PAGE_SIZE {
		panic("bcache: page too small")
	}
	var bufs [common.BLOCKS_PER_PAGE]*Buffer
	for i, block := range blocks {
		if block == common.NO_BLOCK {
			continue
		}
		bufs[i] = c.GetBlock(dev, block)
		if !bufs[i].uptodate {
			c.rw(common.READ, bufs[i])
		}
	}
	var err error
	for i, b := range bufs {
		if b == nil {
			continue
		}
		c.waitOnBuffer(b)
		if b.uptodate {
			copy(page[i*common.BLOCK_SIZE:(i+1)*common.BLOCK_SIZE], b.data)
		} else if err == nil {
			err = fmt.Errorf("read dev %s block %d: %w", dev, blocks[i], common.EIO)
		}
		c.Release(b)
	}
	return err
}

// writeDirty starts a write of every dirty buffer of dev, or of every device
// if dev is NODEV.
func (c *Cache) writeDirty(dev common.Dev) {
	for i := range c.buf {
		b := &c.buf[i]
		if dev != common.NODEV && b.dev != dev {
			continue
		}
		c.waitOnBuffer(b)
		if (dev == common.NODEV || b.dev == dev) && b.dirty {
			c.rw(common.WRITE, b)
		}
	}
}

func (c *Cache) waitDev(dev common.Dev) {
	for i := range c.buf {
		b := &c.buf[i]
		if dev == common.NODEV || b.dev == dev {
			c.waitOnBuffer(b)
		}
	}
}

func (c *Cache) syncInodes() {
	if c.inodes != nil {
		c.inodes.SyncInodes()
	}
}

// SyncDev writes back every dirty buffer of dev. Inodes are flushed in
// between two write passes, since writing them dirties buffers again. It
// returns once the writes have completed.
func (c *Cache) SyncDev(dev common.Dev) {
	c.writeDirty(dev)
	c.syncInodes()
	c.writeDirty(dev)
	c.waitDev(dev)
}

// SyncAll writes back the inode table and every dirty buffer.
func (c *Cache) SyncAll() {
	c.syncInodes()
	c.writeDirty(common.NODEV)
	c.waitDev(common.NODEV)
}

// Invalidate forgets the contents of every buffer of dev without writing
// them back, for when the medium has changed.
func (c *Cache) Invalidate(dev common.Dev) {
	for i := range c.buf {
		b := &c.buf[i]
		if b.dev != dev {
			continue
		}
		c.waitOnBuffer(b)
		if b.dev == dev {
			b.uptodate = false
			b.dirty = false
		}
	}
}

type Stats struct {
	Buffers  int // size of the pool
	Pinned   int
	Dirty    int
	Locked   int
	Uptodate int
	Waiting  int // threads waiting for a buffer to be released
}

func (c *Cache) Stats() Stats {
	s := Stats{Buffers: len(c.buf), Waiting: c.bufferWait.Len()}
	for i := range c.buf {
		b := &c.buf[i]
		if b.count > 0 {
			s.Pinned++
		}
		if b.dirty {
			s.Dirty++
		}
		if b.locked {
			s.Locked++
		}
		if b.uptodate {
			s.Uptodate++
		}
	}
	return s
}
