// Package super keeps the table of mounted superblocks, together with the
// inode and zone bitmap buffers each one holds pinned while mounted.
package super

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/sched"
)

var log = debug.Logger("super")

// Inode is an in-memory inode as seen by the superblock table. Superblocks
// only compare inodes by identity.
type Inode interface {
	Dev() common.Dev
	Num() uint16
}

type Super struct {
	common.Disk_Superblock

	dev    common.Dev // NODEV when the slot is free
	imap   [common.I_MAP_SLOTS]*bcache.Buffer
	zmap   [common.Z_MAP_SLOTS]*bcache.Buffer
	locked bool
	wait   sched.WaitQueue

	Imount Inode // the directory this filesystem is mounted on
	Isup   Inode // the root directory of this filesystem
	RdOnly bool
}

func (s *Super) Dev() common.Dev { return s.dev }

// Imap returns the inode bitmap buffers.
func (s *Super) Imap() []*bcache.Buffer { return s.imap[:s.Imap_blocks] }

// Zmap returns the zone bitmap buffers.
func (s *Super) Zmap() []*bcache.Buffer { return s.zmap[:s.Zmap_blocks] }

// InodeBlock returns the block of the inode table that holds inode num.
func (s *Super) InodeBlock(num uint16) uint32 {
	return 2 + uint32(s.Imap_blocks) + uint32(s.Zmap_blocks) +
		(uint32(num)-1)/common.INODES_PER_BLOCK
}

// Table is the fixed table of superblocks.
//
// Preconditions: every method must be called with the CPU held.
type Table struct {
	cpu     *sched.CPU
	cache   *bcache.Cache
	supers  []Super
	RootDev common.Dev
}

func NewTable(cpu *sched.CPU, cache *bcache.Cache, n int) *Table {
	return &Table{cpu: cpu, cache: cache, supers: make([]Super, n)}
}

func (t *Table) lock(s *Super) {
	for s.locked {
		s.wait.Sleep(t.cpu)
	}
	s.locked = true
}

func (t *Table) unlock(s *Super) {
	s.locked = false
	s.wait.WakeAll()
}

func (t *Table) waitOn(s *Super) {
	for s.locked {
		s.wait.Sleep(t.cpu)
	}
}

// Get returns the superblock of a mounted device, or nil.
func (t *Table) Get(dev common.Dev) *Super {
	if dev == common.NODEV {
		return nil
	}
	for i := 0; i < len(t.supers); {
		s := &t.supers[i]
		if s.dev != dev {
			i++
			continue
		}
		t.waitOn(s)
		if s.dev == dev {
			return s
		}
		// the slot changed hands while we slept, start over
		i = 0
	}
	return nil
}

// MountedOn returns the superblock of the filesystem mounted on ip, or nil.
func (t *Table) MountedOn(ip Inode) *Super {
	for i := range t.supers {
		if s := &t.supers[i]; s.dev != common.NODEV && s.Imount == ip {
			return s
		}
	}
	return nil
}

// Read returns the superblock of dev, reading it and its bitmaps from disk if
// it is not in the table yet.
func (t *Table) Read(dev common.Dev) (*Super, error) {
	if dev == common.NODEV {
		return nil, common.ENODEV
	}
	if s := t.Get(dev); s != nil {
		return s, nil
	}
	var s *Super
	for i := range t.supers {
		if t.supers[i].dev == common.NODEV {
			s = &t.supers[i]
			break
		}
	}
	if s == nil {
		return nil, fmt.Errorf("superblock table full: %w", common.EBUSY)
	}
	*s = Super{dev: dev}
	t.lock(s)
	defer t.unlock(s)

	fail := func(err error) (*Super, error) {
		for i := range s.imap {
			t.cache.Release(s.imap[i])
			s.imap[i] = nil
		}
		for i := range s.zmap {
			t.cache.Release(s.zmap[i])
			s.zmap[i] = nil
		}
		s.dev = common.NODEV
		return nil, err
	}

	bh, err := t.cache.ReadBlock(dev, common.SUPER_BLOCK)
	if err != nil {
		return fail(err)
	}
	err = s.Disk_Superblock.Decode(bh.Data())
	t.cache.Release(bh)
	if err != nil {
		return fail(fmt.Errorf("decode superblock of %s: %w", dev, common.EIO))
	}
	if s.Magic != common.SUPER_MAGIC {
		return fail(fmt.Errorf("bad magic %#x on %s: %w", s.Magic, dev, common.EINVAL))
	}
	if s.Imap_blocks > common.I_MAP_SLOTS || s.Zmap_blocks > common.Z_MAP_SLOTS ||
		s.Imap_blocks == 0 || s.Zmap_blocks == 0 {
		return fail(fmt.Errorf("bad bitmap sizes %d/%d on %s: %w",
			s.Imap_blocks, s.Zmap_blocks, dev, common.EINVAL))
	}

	block := uint32(2)
	for i := 0; i < int(s.Imap_blocks); i++ {
		if s.imap[i], err = t.cache.ReadBlock(dev, block); err != nil {
			return fail(err)
		}
		block++
	}
	for i := 0; i < int(s.Zmap_blocks); i++ {
		if s.zmap[i], err = t.cache.ReadBlock(dev, block); err != nil {
			return fail(err)
		}
		block++
	}
	// block and inode 0 are never handed out
	s.imap[0].Data()[0] |= 1
	s.zmap[0].Data()[0] |= 1
	return s, nil
}

// Put drops the superblock of dev and releases its bitmaps. The root device
// and filesystems that are still mounted on a directory are refused.
func (t *Table) Put(dev common.Dev) {
	if dev == t.RootDev {
		log.Warnf("root diskette changed: prepare for armageddon")
		return
	}
	s := t.Get(dev)
	if s == nil {
		return
	}
	if s.Imount != nil {
		log.Warnf("Mounted disk changed - tssk, tssk")
		return
	}
	t.lock(s)
	s.dev = common.NODEV
	for i := range s.imap {
		t.cache.Release(s.imap[i])
		s.imap[i] = nil
	}
	for i := range s.zmap {
		t.cache.Release(s.zmap[i])
		s.zmap[i] = nil
	}
	t.unlock(s)
}

// Mounted calls f for every superblock in the table.
func (t *Table) Mounted(f func(s *Super)) {
	for i := range t.supers {
		if t.supers[i].dev != common.NODEV {
			f(&t.supers[i])
		}
	}
}
