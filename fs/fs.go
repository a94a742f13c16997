// Package fs ties the buffer cache, the superblock and inode tables, the
// block allocator and the memory manager into one system, and offers the
// calls a process makes on it: mounting, path lookup, open files, raw block
// device and pipe I/O, and executing programs.
//
// Every exported method takes the CPU itself; callers never hold it.
package fs

import (
	"context"
	"fmt"

	"github.com/jnwhiteh/minixkern/alloctbl"
	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/config"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/device"
	"github.com/jnwhiteh/minixkern/inode"
	"github.com/jnwhiteh/minixkern/sched"
	"github.com/jnwhiteh/minixkern/super"
	"github.com/jnwhiteh/minixkern/vm"
)

var log = debug.Logger("fs")

type FileSystem struct {
	cpu    *sched.CPU
	driver *device.Driver
	cache  *bcache.Cache
	supers *super.Table
	alloc  *alloctbl.AllocTbl
	itable *inode.Table
	mem    *vm.Memory

	files []File       // the open file table
	root  *inode.Inode // root directory of the root device
}

// New builds a system with the pool sizes and memory layout of cfg. Devices
// are attached afterwards, and one of them mounted with MountRoot.
func New(cfg config.Config) (*FileSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := debug.Configure(cfg); err != nil {
		return nil, err
	}
	fs := &FileSystem{
		cpu:    new(sched.CPU),
		driver: device.NewDriver(),
		files:  make([]File, cfg.NrFile),
	}
	fs.cache = bcache.New(fs.cpu, fs.driver, cfg.NrBuffers, cfg.NrHash)
	fs.supers = super.NewTable(fs.cpu, fs.cache, cfg.NrSuper)
	fs.alloc = alloctbl.New(fs.cache, fs.supers)
	fs.itable = inode.NewTable(fs.cpu, fs.cache, fs.supers, fs.alloc, cfg.NrInodes)
	fs.cache.SetInodeSyncer(fs.itable)

	mem, err := vm.New(fs.cpu, fs.cache, fs.itable, cfg)
	if err != nil {
		return nil, err
	}
	fs.mem = mem
	fs.itable.SetPageAllocator(mem)
	return fs, nil
}

func (fs *FileSystem) lock()   { fs.cpu.Lock() }
func (fs *FileSystem) unlock() { fs.cpu.Unlock() }

// AttachDevice makes disk available as block device dev.
func (fs *FileSystem) AttachDevice(dev common.Dev, disk device.Disk) error {
	return fs.driver.Attach(dev, disk)
}

// MountRoot mounts dev as the root filesystem and logs how much of it is
// free.
func (fs *FileSystem) MountRoot(dev common.Dev) error {
	fs.lock()
	defer fs.unlock()
	if fs.root != nil {
		return fmt.Errorf("root already mounted: %w", common.EBUSY)
	}
	fs.supers.RootDev = dev
	sb, err := fs.supers.Read(dev)
	if err != nil {
		return fmt.Errorf("unable to mount root: %w", err)
	}
	root, err := fs.itable.Get(dev, common.ROOT_INO)
	if err != nil {
		fs.supers.RootDev = common.NODEV
		fs.supers.Put(dev)
		return fmt.Errorf("unable to read root i-node: %w", err)
	}
	sb.Isup, sb.Imount = root, root
	fs.root = root

	zones, inodes := fs.alloc.Count(dev)
	log.Infof("%d/%d free blocks", zones, int(sb.Nzones)-int(sb.Firstdatazone))
	log.Infof("%d/%d free inodes", inodes, sb.Ninodes)
	return nil
}

// Sync writes every dirty inode and buffer back and waits for the devices to
// make the writes durable.
func (fs *FileSystem) Sync() error {
	fs.lock()
	fs.cache.SyncAll()
	var devs []common.Dev
	fs.supers.Mounted(func(s *super.Super) {
		devs = append(devs, s.Dev())
	})
	fs.unlock()

	for _, dev := range devs {
		if err := fs.driver.Barrier(dev); err != nil {
			return fmt.Errorf("sync %s: %w", dev, err)
		}
	}
	return nil
}

// Shutdown syncs the system and stops the block driver. It fails with EBUSY
// while files are open or processes other than task 0 are alive.
func (fs *FileSystem) Shutdown() error {
	fs.lock()
	for i := range fs.files {
		if fs.files[i].count > 0 {
			fs.unlock()
			return fmt.Errorf("shutdown with open files: %w", common.EBUSY)
		}
	}
	if n := len(fs.mem.Processes()); n > 1 {
		fs.unlock()
		return fmt.Errorf("shutdown with %d processes alive: %w", n-1, common.EBUSY)
	}
	fs.unlock()

	if err := fs.Sync(); err != nil {
		return err
	}
	return fs.driver.Close()
}

// Memory exposes the memory manager, whose ReadUser and WriteUser take the
// CPU themselves.
func (fs *FileSystem) Memory() *vm.Memory { return fs.mem }

// Driver exposes the block driver, mostly for its transfer counters.
func (fs *FileSystem) Driver() *device.Driver { return fs.driver }

type Stats struct {
	Cache       bcache.Stats
	Inodes      int // inode table slots in use
	DirtyInodes int
	Files       int // open file table slots in use
	Memory      vm.Stats
}

func (fs *FileSystem) Stats() Stats {
	fs.lock()
	defer fs.unlock()
	s := Stats{Cache: fs.cache.Stats(), Memory: fs.mem.Stats()}
	s.Inodes, s.DirtyInodes = fs.itable.Stats()
	for i := range fs.files {
		if fs.files[i].count > 0 {
			s.Files++
		}
	}
	return s
}

// Free reports the free zones and inodes of a mounted device.
func (fs *FileSystem) Free(dev common.Dev) (zones, inodes int, err error) {
	fs.lock()
	defer fs.unlock()
	if fs.supers.Get(dev) == nil {
		return 0, 0, fmt.Errorf("%s is not mounted: %w", dev, common.ENODEV)
	}
	zones, inodes = fs.alloc.Count(dev)
	return zones, inodes, nil
}

// Exec starts a process running the executable at path. Block 0 of the file
// is its header; the rest is code and data, loaded on demand.
func (fs *FileSystem) Exec(ctx context.Context, path string) (*vm.Process, error) {
	fs.lock()
	defer fs.unlock()
	ip, err := fs.namei(path)
	if err != nil {
		return nil, err
	}
	defer fs.itable.Put(ip)
	if !ip.IsRegular() {
		return nil, fmt.Errorf("exec %s: %w", path, common.EACCES)
	}
	if ip.Size <= common.BLOCK_SIZE {
		return nil, fmt.Errorf("exec %s: %w", path, common.ENOEXEC)
	}
	end := ip.Size - common.BLOCK_SIZE
	p, err := fs.mem.Spawn(ip, end, end)
	if err != nil {
		return nil, err
	}
	log.WithField("task", sched.Current(ctx).Pid).Debugf("exec %s as %s", path, p)
	return p, nil
}

func (fs *FileSystem) Fork(p *vm.Process) (*vm.Process, error) {
	fs.lock()
	defer fs.unlock()
	return fs.mem.Fork(p)
}

func (fs *FileSystem) Exit(p *vm.Process) {
	fs.lock()
	defer fs.unlock()
	fs.mem.Exit(p)
}
