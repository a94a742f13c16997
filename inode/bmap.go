package inode

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
)

type level int

const (
	levelDirect level = iota
	levelSingly
	levelDoubly
)

func (l level) String() string {
	switch l {
	case levelDirect:
		return "direct"
	case levelSingly:
		return "singly indirect"
	case levelDoubly:
		return "doubly indirect"
	default:
		panic(fmt.Sprintf("invalid level: %d", l))
	}
}

// indirection is the path from an inode to the zone holding one file block:
// a slot of the inode's zone array, followed by one index per level of
// indirect blocks.
type indirection struct {
	level level
	zone  int // slot in Disk_Inode.Zone
	index [levelDoubly]int
}

func (ind indirection) indices() []int {
	return ind.index[:ind.level]
}

func lookupPath(block int) indirection {
	switch {
	case block < 0:
		log.Panicf("_bmap: block<0")
	case block < common.SINGLE_START:
		return indirection{level: levelDirect, zone: block}
	case block < common.DOUBLE_START:
		return indirection{
			level: levelSingly,
			zone:  common.NR_DZONES,
			index: [levelDoubly]int{block - common.SINGLE_START},
		}
	case block < common.MAX_BLOCKS:
		base := block - common.DOUBLE_START
		return indirection{
			level: levelDoubly,
			zone:  common.NR_DZONES + 1,
			index: [levelDoubly]int{base / common.NR_INDIRECTS, base % common.NR_INDIRECTS},
		}
	}
	log.Panicf("_bmap: block>big")
	return indirection{}
}

// Bmap returns the disk zone holding file block 'block' of ip, or NO_BLOCK
// if there is none. With create set, missing zones along the way are
// allocated; running out of space is reported as ENOSPC.
func (t *Table) Bmap(ip *Inode, block int, create bool) (uint32, error) {
	ind := lookupPath(block)
	zone := uint32(ip.Zone[ind.zone])
	if zone == common.NO_BLOCK && create {
		z, err := t.alloc.NewBlock(ip.dev)
		if err != nil {
			return common.NO_BLOCK, err
		}
		zone = z
		ip.Zone[ind.zone] = uint16(z)
		ip.Ctime = t.now()
		ip.dirty = true
	}
	for _, index := range ind.indices() {
		if zone == common.NO_BLOCK {
			return common.NO_BLOCK, nil
		}
		var err error
		if zone, err = t.mapIndirect(ip.dev, zone, index, create); err != nil {
			return common.NO_BLOCK, err
		}
	}
	return zone, nil
}

// mapIndirect looks up entry index of indirect block 'zone', allocating a
// zone for it when it is empty and create is set.
func (t *Table) mapIndirect(dev common.Dev, zone uint32, index int, create bool) (uint32, error) {
	bh, err := t.cache.ReadBlock(dev, zone)
	if err != nil {
		return common.NO_BLOCK, err
	}
	defer t.cache.Release(bh)
	next := uint32(common.GetZone(bh.Data(), index))
	if next == common.NO_BLOCK && create {
		if next, err = t.alloc.NewBlock(dev); err != nil {
			return common.NO_BLOCK, err
		}
		common.PutZone(bh.Data(), index, uint16(next))
		bh.MarkDirty()
	}
	return next, nil
}

// Truncate frees every zone of a regular file or directory and sets its size
// to zero. Other kinds of inode are left alone.
func (t *Table) Truncate(ip *Inode) {
	if !ip.IsRegular() && !ip.IsDir() {
		return
	}
	for i := 0; i < common.NR_DZONES; i++ {
		if ip.Zone[i] != 0 {
			t.alloc.FreeBlock(ip.dev, uint32(ip.Zone[i]))
			ip.Zone[i] = 0
		}
	}
	t.freeIndirect(ip.dev, uint32(ip.Zone[common.NR_DZONES]), levelSingly)
	t.freeIndirect(ip.dev, uint32(ip.Zone[common.NR_DZONES+1]), levelDoubly)
	ip.Zone[common.NR_DZONES] = 0
	ip.Zone[common.NR_DZONES+1] = 0
	ip.Size = 0
	ip.dirty = true
	now := t.now()
	ip.Mtime, ip.Ctime = now, now
}

// freeIndirect frees an indirect block of the given level and everything it
// points to.
func (t *Table) freeIndirect(dev common.Dev, zone uint32, l level) {
	if zone == common.NO_BLOCK {
		return
	}
	bh, err := t.cache.ReadBlock(dev, zone)
	if err != nil {
		log.WithError(err).Warnf("cannot read %s block %d, its zones are lost", l, zone)
	} else {
		for i := 0; i < common.NR_INDIRECTS; i++ {
			next := uint32(common.GetZone(bh.Data(), i))
			if next == common.NO_BLOCK {
				continue
			}
			if l == levelSingly {
				t.alloc.FreeBlock(dev, next)
			} else {
				t.freeIndirect(dev, next, l-1)
			}
		}
		t.cache.Release(bh)
	}
	t.alloc.FreeBlock(dev, zone)
}
