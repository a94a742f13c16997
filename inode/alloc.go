package inode

import (
	"context"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/sched"
)

// New allocates a fresh inode on dev, owned by the task in ctx. It comes back
// with one link and one reference, and is dirty. The caller sets the mode.
func (t *Table) New(ctx context.Context, dev common.Dev) (*Inode, error) {
	ip, err := t.getEmpty()
	if err != nil {
		return nil, err
	}
	if t.supers.Get(dev) == nil {
		log.Panicf("new_inode with unknown device")
	}
	num, err := t.alloc.AllocInodeBit(dev)
	if err != nil {
		t.Put(ip)
		return nil, err
	}
	task := sched.Current(ctx)
	now := t.now()
	ip.count = 1
	ip.Nlinks = 1
	ip.dev = dev
	ip.num = num
	ip.Uid = task.Euid
	ip.Gid = task.Egid
	ip.dirty = true
	ip.Mtime, ip.Atime, ip.Ctime = now, now, now
	return ip, nil
}

// Free returns the number of ip to the inode map and clears the slot. The
// inode must have no links left and at most one reference.
func (t *Table) Free(ip *Inode) {
	if ip == nil {
		return
	}
	if ip.dev == common.NODEV {
		t.clear(ip)
		return
	}
	if ip.count > 1 {
		log.Panicf("trying to free inode with count=%d", ip.count)
	}
	if ip.Nlinks != 0 {
		log.Panicf("trying to free inode with links")
	}
	t.alloc.FreeInodeBit(ip.dev, ip.num)
	t.clear(ip)
}

func (t *Table) clear(ip *Inode) {
	wait := ip.wait
	*ip = Inode{wait: wait}
	t.inodeWait.WakeOne()
}
