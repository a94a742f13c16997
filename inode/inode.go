// Package inode implements the in-memory inode table: reference counted
// copies of on-disk inodes, the mapping from file blocks to disk zones, and
// pipes, which are inodes without a device whose data lives in one page.
//
// Preconditions: every exported method of Table must be called with the CPU
// held.
package inode

import (
	"fmt"
	"time"

	"github.com/jnwhiteh/minixkern/alloctbl"
	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/sched"
	"github.com/jnwhiteh/minixkern/super"
)

var log = debug.Logger("inode")

// An Inode is a slot of the inode table. The embedded Disk_Inode is the part
// that is written back to disk.
type Inode struct {
	common.Disk_Inode
	Atime uint32
	Ctime uint32

	dev    common.Dev // NODEV for pipes and free slots
	num    uint16
	count  int
	locked bool
	dirty  bool
	pipe   bool
	mount  bool            // a filesystem is mounted on this directory
	wait   sched.WaitQueue // lock waiters and pipe readers/writers

	page       uint32 // physical address of the pipe buffer
	head, tail int
}

var _ super.Inode = (*Inode)(nil)

func (ip *Inode) Dev() common.Dev { return ip.dev }
func (ip *Inode) Num() uint16     { return ip.num }
func (ip *Inode) Count() int      { return ip.count }
func (ip *Inode) Dirty() bool     { return ip.dirty }
func (ip *Inode) IsPipe() bool    { return ip.pipe }
func (ip *Inode) Mounted() bool   { return ip.mount }

// MarkDirty records that the inode must be written back.
func (ip *Inode) MarkDirty() { ip.dirty = true }

// SetMounted sets or clears the mount point flag of a directory.
func (ip *Inode) SetMounted(m bool) { ip.mount = m }

func (ip *Inode) String() string {
	return fmt.Sprintf("inode %s:%d", ip.dev, ip.num)
}

func (ip *Inode) IsRegular() bool { return ip.Mode&common.I_TYPE == common.I_REGULAR }
func (ip *Inode) IsDir() bool     { return ip.Mode&common.I_TYPE == common.I_DIRECTORY }
func (ip *Inode) IsBlock() bool   { return ip.Mode&common.I_TYPE == common.I_BLOCK_SPECIAL }

// Table is the fixed table of in-memory inodes.
type Table struct {
	cpu    *sched.CPU
	cache  *bcache.Cache
	supers *super.Table
	alloc  *alloctbl.AllocTbl
	pages  common.PageAllocator

	inodes    []Inode
	last      int             // where the search for a free slot resumes
	inodeWait sched.WaitQueue // threads waiting for a free slot

	// Now is the clock used for inode timestamps.
	Now func() time.Time
}

var _ common.InodeSyncer = (*Table)(nil)

func NewTable(cpu *sched.CPU, cache *bcache.Cache, supers *super.Table, alloc *alloctbl.AllocTbl, n int) *Table {
	return &Table{
		cpu:    cpu,
		cache:  cache,
		supers: supers,
		alloc:  alloc,
		inodes: make([]Inode, n),
		last:   n - 1,
		Now:    time.Now,
	}
}

// SetPageAllocator sets where pipe buffers come from.
func (t *Table) SetPageAllocator(p common.PageAllocator) {
	t.pages = p
}

func (t *Table) now() uint32 {
	return uint32(t.Now().Unix())
}

func (t *Table) lock(ip *Inode) {
	for ip.locked {
		ip.wait.Sleep(t.cpu)
	}
	ip.locked = true
}

func (t *Table) unlock(ip *Inode) {
	ip.locked = false
	ip.wait.WakeAll()
}

func (t *Table) waitOn(ip *Inode) {
	for ip.locked {
		ip.wait.Sleep(t.cpu)
	}
}

// Lock takes the lock of ip, sleeping while someone else holds it.
func (t *Table) Lock(ip *Inode) { t.lock(ip) }

func (t *Table) Unlock(ip *Inode) { t.unlock(ip) }

// Wait sleeps until ip is unlocked.
func (t *Table) Wait(ip *Inode) { t.waitOn(ip) }

// getEmpty claims a free slot and returns it zeroed with a count of one.
// Clean, unlocked slots are preferred. When every slot is in use it sleeps
// until one is released. A dirty slot whose write-back fails is passed over;
// if no free slot can be written back, the error is returned.
func (t *Table) getEmpty() (*Inode, error) {
	var failed map[*Inode]error
	for {
		var ip *Inode
		free := 0
		for i := 0; i < len(t.inodes); i++ {
			if t.last++; t.last >= len(t.inodes) {
				t.last = 0
			}
			cand := &t.inodes[t.last]
			if cand.count != 0 {
				continue
			}
			free++
			if _, bad := failed[cand]; bad && cand.dirty {
				continue
			}
			ip = cand
			if !ip.dirty && !ip.locked {
				break
			}
		}
		if ip == nil {
			for _, err := range failed {
				if free > 0 {
					return nil, fmt.Errorf("no free inode can be written back: %w", err)
				}
			}
			log.Debugf("no free inodes in memory, waiting")
			t.inodeWait.Sleep(t.cpu)
			continue
		}
		t.waitOn(ip)
		for ip.dirty {
			if err := t.write(ip); err != nil {
				log.WithError(err).Warnf("cannot write back %s", ip)
				if failed == nil {
					failed = make(map[*Inode]error)
				}
				failed[ip] = err
				break
			}
			t.waitOn(ip)
		}
		if ip.dirty || ip.count != 0 {
			continue
		}
		wait := ip.wait
		*ip = Inode{wait: wait}
		ip.count = 1
		return ip, nil
	}
}

// release drops the last reference to a slot.
func (t *Table) release(ip *Inode) {
	ip.count = 0
	t.inodeWait.WakeOne()
}

// Get returns the inode num of dev with its count raised, reading it from
// disk if it is not in the table. An inode that has a filesystem mounted on
// it is replaced by the root of that filesystem.
func (t *Table) Get(dev common.Dev, num uint16) (*Inode, error) {
	if dev == common.NODEV {
		log.Panicf("iget with dev==0")
	}
	// The spare slot is only claimed on a miss. Claiming it may sleep, so
	// the table is scanned again afterwards.
	var empty *Inode
	for i := 0; ; {
		if i == len(t.inodes) {
			if empty != nil {
				break
			}
			var err error
			if empty, err = t.getEmpty(); err != nil {
				return nil, err
			}
			i = 0
			continue
		}
		ip := &t.inodes[i]
		if ip.count == 0 || ip.dev != dev || ip.num != num {
			i++
			continue
		}
		t.waitOn(ip)
		if ip.count == 0 || ip.dev != dev || ip.num != num {
			i = 0
			continue
		}
		ip.count++
		if ip.mount {
			sb := t.supers.MountedOn(ip)
			if sb == nil {
				log.Warnf("Mounted inode hasn't got sb")
				t.Put(empty)
				return ip, nil
			}
			t.Put(ip)
			dev, num = sb.Dev(), common.ROOT_INO
			i = 0
			continue
		}
		t.Put(empty)
		return ip, nil
	}
	empty.dev, empty.num = dev, num
	if err := t.read(empty); err != nil {
		empty.dev = common.NODEV
		t.release(empty)
		return nil, err
	}
	return empty, nil
}

// Dup takes another reference to ip.
func (t *Table) Dup(ip *Inode) *Inode {
	if ip.count == 0 {
		log.Panicf("dup of free %s", ip)
	}
	ip.count++
	return ip
}

// Put drops a reference to ip. When the last reference to an inode without
// links goes, its blocks and its number are freed. Otherwise the inode is
// written back if it is dirty.
func (t *Table) Put(ip *Inode) {
	if ip == nil {
		return
	}
	t.waitOn(ip)
	if ip.count == 0 {
		log.Panicf("iput: trying to free free inode")
	}
	if ip.pipe {
		ip.wait.WakeAll()
		if ip.count--; ip.count > 0 {
			return
		}
		t.pages.FreePage(ip.page)
		ip.pipe, ip.dirty = false, false
		t.release(ip)
		return
	}
	if ip.dev == common.NODEV {
		if ip.count--; ip.count == 0 {
			t.release(ip)
		}
		return
	}
	if ip.IsBlock() {
		t.cache.SyncDev(common.Dev(ip.Zone[0]))
		t.waitOn(ip)
	}
	for {
		if ip.count > 1 {
			ip.count--
			return
		}
		if ip.Nlinks == 0 {
			t.Truncate(ip)
			t.Free(ip)
			return
		}
		if !ip.dirty {
			break
		}
		if err := t.write(ip); err != nil {
			log.WithError(err).Warnf("cannot write back %s", ip)
			break
		}
		t.waitOn(ip)
	}
	t.release(ip)
}

// read fills ip from its slot in the inode table on disk.
func (t *Table) read(ip *Inode) error {
	t.lock(ip)
	defer t.unlock(ip)
	sb := t.supers.Get(ip.dev)
	if sb == nil {
		log.Panicf("trying to read inode without dev")
	}
	if ip.num < 1 || ip.num > sb.Ninodes {
		return fmt.Errorf("inode %d out of range on %s: %w", ip.num, ip.dev, common.EINVAL)
	}
	bh, err := t.cache.ReadBlock(ip.dev, sb.InodeBlock(ip.num))
	if err != nil {
		return fmt.Errorf("unable to read i-node block: %w", err)
	}
	defer t.cache.Release(bh)
	if err := ip.Disk_Inode.Decode(bh.Data(), int(ip.num-1)%common.INODES_PER_BLOCK); err != nil {
		return fmt.Errorf("decode %s: %w", ip, common.EIO)
	}
	ip.Atime, ip.Ctime = ip.Mtime, ip.Mtime
	return nil
}

// write copies ip into its inode table block, which is left dirty in the
// cache. Clean inodes and inodes without a device are skipped.
func (t *Table) write(ip *Inode) error {
	t.lock(ip)
	defer t.unlock(ip)
	if !ip.dirty || ip.dev == common.NODEV {
		return nil
	}
	sb := t.supers.Get(ip.dev)
	if sb == nil {
		log.Panicf("trying to write inode without device")
	}
	bh, err := t.cache.ReadBlock(ip.dev, sb.InodeBlock(ip.num))
	if err != nil {
		return fmt.Errorf("unable to read i-node block: %w", err)
	}
	ip.Disk_Inode.Encode(bh.Data(), int(ip.num-1)%common.INODES_PER_BLOCK)
	bh.MarkDirty()
	ip.dirty = false
	t.cache.Release(bh)
	return nil
}

// SyncInodes writes every dirty inode into the buffer cache.
func (t *Table) SyncInodes() {
	for i := range t.inodes {
		ip := &t.inodes[i]
		t.waitOn(ip)
		if ip.dirty && !ip.pipe {
			if err := t.write(ip); err != nil {
				log.WithError(err).Warnf("cannot write back %s", ip)
			}
		}
	}
}

// InvalidateInodes detaches every inode of dev from the device, for when the
// medium has been removed.
func (t *Table) InvalidateInodes(dev common.Dev) {
	for i := range t.inodes {
		ip := &t.inodes[i]
		t.waitOn(ip)
		if ip.dev == dev {
			if ip.count != 0 {
				log.Warnf("inode in use on removed disk")
			}
			ip.dev = common.NODEV
			ip.dirty = false
		}
	}
}

// Busy reports whether any inode of dev other than a single reference to
// root is in use.
func (t *Table) Busy(dev common.Dev, root *Inode) bool {
	for i := range t.inodes {
		ip := &t.inodes[i]
		if ip.dev != dev || ip.count == 0 {
			continue
		}
		if ip != root || ip.count != 1 {
			return true
		}
	}
	return false
}

// Stats counts the slots of the table in use.
func (t *Table) Stats() (used, dirty int) {
	for i := range t.inodes {
		if t.inodes[i].count > 0 {
			used++
		}
		if t.inodes[i].dirty {
			dirty++
		}
	}
	return used, dirty
}
