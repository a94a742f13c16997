// Package alloctbl allocates and frees zones and inodes in the bitmaps of a
// mounted filesystem. The bitmaps are ordinary cache buffers pinned by the
// superblock, so marking them dirty is all it takes to get them written back.
//
// Preconditions: every method must be called with the CPU held.
package alloctbl

import (
	"fmt"
	"math/bits"

	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/super"
)

var log = debug.Logger("alloctbl")

type AllocTbl struct {
	cache  *bcache.Cache
	supers *super.Table
}

func New(cache *bcache.Cache, supers *super.Table) *AllocTbl {
	return &AllocTbl{cache, supers}
}

// findFirstZero returns the first clear bit of a bitmap block, or
// BITS_PER_BLOCK if every bit is set.
func findFirstZero(data []byte) int {
	for i, b := range data {
		if b != 0xff {
			return i*8 + bits.TrailingZeros8(^b)
		}
	}
	return common.BITS_PER_BLOCK
}

// setBit sets a bit and reports whether it was already set.
func setBit(data []byte, bit int) bool {
	mask := byte(1) << (bit % 8)
	old := data[bit/8]&mask != 0
	data[bit/8] |= mask
	return old
}

// clearBit clears a bit and reports whether it was set.
func clearBit(data []byte, bit int) bool {
	mask := byte(1) << (bit % 8)
	old := data[bit/8]&mask != 0
	data[bit/8] &^= mask
	return old
}

// allocBit takes the first free bit of a bitmap and returns its number, or
// -1 when the map is full.
func allocBit(maps []*bcache.Buffer) int {
	for i, bh := range maps {
		j := findFirstZero(bh.Data())
		if j >= common.BITS_PER_BLOCK {
			continue
		}
		if setBit(bh.Data(), j) {
			log.Panicf("new_block: bit already set")
		}
		bh.MarkDirty()
		return j + i*common.BITS_PER_BLOCK
	}
	return -1
}

func (a *AllocTbl) getSuper(dev common.Dev, op string) *super.Super {
	sb := a.supers.Get(dev)
	if sb == nil {
		log.Panicf("%s: trying to use nonexistent device %s", op, dev)
	}
	return sb
}

// NewBlock allocates a zone on dev and returns its block number. The block is
// handed back zeroed, up to date and dirty in the cache.
func (a *AllocTbl) NewBlock(dev common.Dev) (uint32, error) {
	sb := a.getSuper(dev, "new_block")
	j := allocBit(sb.Zmap())
	if j < 0 {
		log.Warnf("No space on device %s", dev)
		return common.NO_BLOCK, common.ENOSPC
	}
	// a bit that maps past the end of the device stays set, so it is not
	// found again
	block := uint32(j) + uint32(sb.Firstdatazone) - 1
	if block >= uint32(sb.Nzones) {
		log.Warnf("No space on device %s", dev)
		return common.NO_BLOCK, common.ENOSPC
	}
	bh := a.cache.GetBlock(dev, block)
	if bh.Count() != 1 {
		log.Panicf("new block: count is != 1")
	}
	bh.Zero()
	bh.MarkUptodate()
	bh.MarkDirty()
	a.cache.Release(bh)
	return block, nil
}

// FreeBlock returns a zone to the free map. A cached copy of the block is
// dropped without being written back; if someone still holds it, the free is
// abandoned.
func (a *AllocTbl) FreeBlock(dev common.Dev, block uint32) {
	sb := a.getSuper(dev, "free_block")
	if block < uint32(sb.Firstdatazone) || block >= uint32(sb.Nzones) {
		log.Panicf("trying to free block %d not in datazone of %s", block, dev)
	}
	if bh := a.cache.Lookup(dev, block); bh != nil {
		if bh.Count() != 1 {
			log.Warnf("trying to free block (%s:%d), count=%d", dev, block, bh.Count())
			a.cache.Release(bh)
			return
		}
		bh.Forget()
		a.cache.Release(bh)
	}
	bit := int(block - uint32(sb.Firstdatazone) + 1)
	zmap := sb.Zmap()
	bh := zmap[bit/common.BITS_PER_BLOCK]
	if !clearBit(bh.Data(), bit%common.BITS_PER_BLOCK) {
		log.Panicf("free_block (%s:%d): bit already cleared", dev, block)
	}
	bh.MarkDirty()
}

// AllocInodeBit takes a free inode number on dev.
func (a *AllocTbl) AllocInodeBit(dev common.Dev) (uint16, error) {
	sb := a.getSuper(dev, "new_inode")
	j := allocBit(sb.Imap())
	if j < 0 || j > int(sb.Ninodes) {
		log.Warnf("Out of i-nodes on device %s", dev)
		return common.NO_INODE, fmt.Errorf("no free inodes on %s: %w", dev, common.ENOSPC)
	}
	return uint16(j), nil
}

// FreeInodeBit returns inode num of dev to the free map.
func (a *AllocTbl) FreeInodeBit(dev common.Dev, num uint16) {
	sb := a.getSuper(dev, "free_inode")
	if num < 1 || num > sb.Ninodes {
		log.Panicf("trying to free inode 0 or nonexistent inode %d on %s", num, dev)
	}
	imap := sb.Imap()
	bh := imap[int(num)/common.BITS_PER_BLOCK]
	if !clearBit(bh.Data(), int(num)%common.BITS_PER_BLOCK) {
		log.Warnf("free_inode: bit already cleared (%s:%d)", dev, num)
	}
	bh.MarkDirty()
}

// Count returns the number of free zones and free inodes of dev.
func (a *AllocTbl) Count(dev common.Dev) (zones, inodes int) {
	sb := a.getSuper(dev, "count")
	count := func(maps []*bcache.Buffer, nbits int) int {
		free := 0
		for bit := 1; bit < nbits; bit++ {
			bh := maps[bit/common.BITS_PER_BLOCK]
			if bh.Data()[(bit%common.BITS_PER_BLOCK)/8]&(1<<(bit%8)) == 0 {
				free++
			}
		}
		return free
	}
	zones = count(sb.Zmap(), int(sb.Nzones)-int(sb.Firstdatazone)+1)
	inodes = count(sb.Imap(), int(sb.Ninodes)+1)
	return zones, inodes
}
