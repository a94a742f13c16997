package fs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/inode"
)

// Preconditions for everything in this file: the CPU is held.

func (fs *FileSystem) now() uint32 {
	return uint32(fs.itable.Now().Unix())
}

func truncName(name string) string {
	if len(name) > common.NAME_LEN {
		return name[:common.NAME_LEN]
	}
	return name
}

// scanDir calls f on every entry slot of dir, in order, until f returns
// true. The buffer holding the entry is pinned while f runs.
func (fs *FileSystem) scanDir(dir *inode.Inode, f func(bh *bcache.Buffer, slot int, de *common.Disk_Dirent) bool) error {
	entries := int(dir.Size / common.DIR_ENTRY_SIZE)
	var de common.Disk_Dirent
	for i := 0; i < entries; i += common.DIR_ENTRIES_PER_BLOCK {
		zone, err := fs.itable.Bmap(dir, i/common.DIR_ENTRIES_PER_BLOCK, false)
		if err != nil {
			return err
		}
		if zone == common.NO_BLOCK {
			continue
		}
		bh, err := fs.cache.ReadBlock(dir.Dev(), zone)
		if err != nil {
			log.WithError(err).Warnf("skipping block of directory %s", dir)
			continue
		}
		for slot := 0; slot < common.DIR_ENTRIES_PER_BLOCK && i+slot < entries; slot++ {
			if err := de.Decode(bh.Data(), slot); err != nil {
				fs.cache.Release(bh)
				return err
			}
			if f(bh, slot, &de) {
				fs.cache.Release(bh)
				return nil
			}
		}
		fs.cache.Release(bh)
	}
	return nil
}

// findEntry returns the inode number name has in dir.
func (fs *FileSystem) findEntry(dir *inode.Inode, name string) (uint16, error) {
	if !dir.IsDir() {
		return 0, common.ENOTDIR
	}
	name = truncName(name)
	if name == "" {
		return 0, common.ENOENT
	}
	var num uint16
	err := fs.scanDir(dir, func(_ *bcache.Buffer, _ int, de *common.Disk_Dirent) bool {
		if de.Inum != common.NO_INODE && de.HasName(name) {
			num = de.Inum
			return true
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	if num == common.NO_INODE {
		return 0, common.ENOENT
	}
	return num, nil
}

// addEntry enters name for inode num into dir, in the first free slot or at
// the end, growing the directory as needed.
func (fs *FileSystem) addEntry(dir *inode.Inode, name string, num uint16) error {
	name = truncName(name)
	if name == "" {
		return common.ENOENT
	}
	var de common.Disk_Dirent
	for block := 0; ; block++ {
		if block >= common.MAX_BLOCKS {
			return common.EFBIG
		}
		zone, err := fs.itable.Bmap(dir, block, true)
		if err != nil {
			return err
		}
		bh, err := fs.cache.ReadBlock(dir.Dev(), zone)
		if err != nil {
			return err
		}
		for slot := 0; slot < common.DIR_ENTRIES_PER_BLOCK; slot++ {
			i := block*common.DIR_ENTRIES_PER_BLOCK + slot
			if err := de.Decode(bh.Data(), slot); err != nil {
				fs.cache.Release(bh)
				return err
			}
			if uint32(i*common.DIR_ENTRY_SIZE) >= dir.Size {
				de.Inum = common.NO_INODE
				dir.Size = uint32((i + 1) * common.DIR_ENTRY_SIZE)
				dir.Ctime = fs.now()
				dir.MarkDirty()
			}
			if de.Inum == common.NO_INODE {
				de = common.NewDirent(num, name)
				de.Encode(bh.Data(), slot)
				bh.MarkDirty()
				dir.Mtime = fs.now()
				dir.MarkDirty()
				fs.cache.Release(bh)
				return nil
			}
		}
		fs.cache.Release(bh)
	}
}

// deleteEntry clears the entry for name in dir.
func (fs *FileSystem) deleteEntry(dir *inode.Inode, name string) error {
	name = truncName(name)
	found := false
	err := fs.scanDir(dir, func(bh *bcache.Buffer, slot int, de *common.Disk_Dirent) bool {
		if de.Inum == common.NO_INODE || !de.HasName(name) {
			return false
		}
		de.Inum = common.NO_INODE
		de.Encode(bh.Data(), slot)
		bh.MarkDirty()
		found = true
		return true
	})
	if err != nil {
		return err
	}
	if !found {
		return common.ENOENT
	}
	dir.Mtime, dir.Ctime = fs.now(), fs.now()
	dir.MarkDirty()
	return nil
}

// isEmptyDir reports whether dir holds nothing but "." and "..".
func (fs *FileSystem) isEmptyDir(dir *inode.Inode) (bool, error) {
	empty := true
	err := fs.scanDir(dir, func(_ *bcache.Buffer, _ int, de *common.Disk_Dirent) bool {
		if de.Inum != common.NO_INODE && !de.HasName(".") && !de.HasName("..") {
			empty = false
			return true
		}
		return false
	})
	return empty, err
}

// lookup returns the inode called name in dir. ".." at the root of a mounted
// filesystem is looked up in the directory it is mounted on, and ".." at the
// root of the system stays there.
func (fs *FileSystem) lookup(dir *inode.Inode, name string) (*inode.Inode, error) {
	if name == ".." && dir.Num() == common.ROOT_INO {
		if dir == fs.root {
			name = "."
		} else if sb := fs.supers.Get(dir.Dev()); sb != nil && sb.Imount != nil {
			dir = sb.Imount.(*inode.Inode)
		}
	}
	num, err := fs.findEntry(dir, name)
	if err != nil {
		return nil, err
	}
	return fs.itable.Get(dir.Dev(), num)
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// getDir walks path up to its last component. It returns the directory
// holding that component and its name, which is empty for "/".
func (fs *FileSystem) getDir(path string) (*inode.Inode, string, error) {
	if fs.root == nil {
		log.Panicf("No root inode")
	}
	if path == "" {
		return nil, "", common.ENOENT
	}
	parts := splitPath(path)
	dir := fs.itable.Dup(fs.root)
	if len(parts) == 0 {
		return dir, "", nil
	}
	for _, name := range parts[:len(parts)-1] {
		next, err := fs.lookup(dir, name)
		fs.itable.Put(dir)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		dir = next
	}
	if !dir.IsDir() {
		fs.itable.Put(dir)
		return nil, "", fmt.Errorf("%s: %w", path, common.ENOTDIR)
	}
	return dir, parts[len(parts)-1], nil
}

// namei returns the inode path names.
func (fs *FileSystem) namei(path string) (*inode.Inode, error) {
	dir, name, err := fs.getDir(path)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return dir, nil
	}
	ip, err := fs.lookup(dir, name)
	fs.itable.Put(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ip, nil
}

// newNode creates an inode of the given mode and enters it into dir. The
// inode is written out before the directory entry is made.
func (fs *FileSystem) newNode(ctx context.Context, dir *inode.Inode, name string, mode uint16) (*inode.Inode, error) {
	if dir.Nlinks == 0 {
		return nil, common.ENOENT
	}
	ip, err := fs.itable.New(ctx, dir.Dev())
	if err != nil {
		return nil, err
	}
	ip.Mode = mode
	ip.MarkDirty()
	if err := fs.addEntry(dir, name, ip.Num()); err != nil {
		ip.Nlinks--
		fs.itable.Put(ip)
		return nil, err
	}
	return ip, nil
}

// Lookup returns the inode number and device path names.
func (fs *FileSystem) Lookup(path string) (common.Dev, uint16, error) {
	fs.lock()
	defer fs.unlock()
	ip, err := fs.namei(path)
	if err != nil {
		return common.NODEV, common.NO_INODE, err
	}
	defer fs.itable.Put(ip)
	return ip.Dev(), ip.Num(), nil
}

// Stat returns a copy of the inode path names.
func (fs *FileSystem) Stat(path string) (common.Disk_Inode, error) {
	fs.lock()
	defer fs.unlock()
	ip, err := fs.namei(path)
	if err != nil {
		return common.Disk_Inode{}, err
	}
	defer fs.itable.Put(ip)
	return ip.Disk_Inode, nil
}

// ReadDir returns the names in the directory at path, in directory order.
func (fs *FileSystem) ReadDir(path string) ([]string, error) {
	fs.lock()
	defer fs.unlock()
	dir, err := fs.namei(path)
	if err != nil {
		return nil, err
	}
	defer fs.itable.Put(dir)
	if !dir.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, common.ENOTDIR)
	}
	var names []string
	err = fs.scanDir(dir, func(_ *bcache.Buffer, _ int, de *common.Disk_Dirent) bool {
		if de.Inum != common.NO_INODE {
			names = append(names, de.NameString())
		}
		return false
	})
	return names, err
}

// Mkdir creates a directory with its "." and ".." entries.
func (fs *FileSystem) Mkdir(ctx context.Context, path string, mode uint16) error {
	fs.lock()
	defer fs.unlock()
	dir, name, err := fs.getDir(path)
	if err != nil {
		return err
	}
	defer fs.itable.Put(dir)
	if name == "" {
		return common.EEXIST
	}
	if ip, err := fs.lookup(dir, name); err == nil {
		fs.itable.Put(ip)
		return fmt.Errorf("%s: %w", path, common.EEXIST)
	} else if !errors.Is(err, common.ENOENT) {
		return err
	}
	if dir.Nlinks == 0xff {
		return common.EMLINK
	}

	ip, err := fs.itable.New(ctx, dir.Dev())
	if err != nil {
		return err
	}
	ip.Mode = common.I_DIRECTORY | mode&common.RWX_MODES
	zone, err := fs.itable.Bmap(ip, 0, true)
	if err == nil {
		var bh *bcache.Buffer
		if bh, err = fs.cache.ReadBlock(ip.Dev(), zone); err == nil {
			dot := common.NewDirent(ip.Num(), ".")
			dotdot := common.NewDirent(dir.Num(), "..")
			dot.Encode(bh.Data(), 0)
			dotdot.Encode(bh.Data(), 1)
			bh.MarkDirty()
			fs.cache.Release(bh)
		}
	}
	if err != nil {
		ip.Nlinks = 0
		fs.itable.Put(ip)
		return err
	}
	ip.Size = 2 * common.DIR_ENTRY_SIZE
	ip.Nlinks = 2
	ip.MarkDirty()
	if err := fs.addEntry(dir, name, ip.Num()); err != nil {
		ip.Nlinks = 0
		fs.itable.Put(ip)
		return err
	}
	dir.Nlinks++
	dir.MarkDirty()
	fs.itable.Put(ip)
	return nil
}

// Mknod creates a block special file for device dev.
func (fs *FileSystem) Mknod(ctx context.Context, path string, mode uint16, dev common.Dev) error {
	fs.lock()
	defer fs.unlock()
	dir, name, err := fs.getDir(path)
	if err != nil {
		return err
	}
	defer fs.itable.Put(dir)
	if ip, err := fs.lookup(dir, name); err == nil {
		fs.itable.Put(ip)
		return fmt.Errorf("%s: %w", path, common.EEXIST)
	}
	ip, err := fs.newNode(ctx, dir, name, common.I_BLOCK_SPECIAL|mode&common.RWX_MODES)
	if err != nil {
		return err
	}
	ip.Zone[0] = uint16(dev)
	ip.MarkDirty()
	fs.itable.Put(ip)
	return nil
}

// Unlink removes the entry path names. The inode goes once its last link
// and its last user are gone.
func (fs *FileSystem) Unlink(path string) error {
	fs.lock()
	defer fs.unlock()
	dir, name, err := fs.getDir(path)
	if err != nil {
		return err
	}
	defer fs.itable.Put(dir)
	ip, err := fs.lookup(dir, name)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer fs.itable.Put(ip)
	if ip.Dev() != dir.Dev() || ip.Mounted() {
		return fmt.Errorf("%s: %w", path, common.EBUSY)
	}
	if ip.IsDir() {
		return fmt.Errorf("%s: %w", path, common.EPERM)
	}
	if err := fs.deleteEntry(dir, name); err != nil {
		return err
	}
	if ip.Nlinks == 0 {
		log.Warnf("Deleting nonexistent file (%s), %d", ip.Dev(), ip.Num())
		ip.Nlinks = 1
	}
	ip.Nlinks--
	ip.Ctime = fs.now()
	ip.MarkDirty()
	return nil
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(path string) error {
	fs.lock()
	defer fs.unlock()
	dir, name, err := fs.getDir(path)
	if err != nil {
		return err
	}
	defer fs.itable.Put(dir)
	if name == "." || name == ".." {
		return fmt.Errorf("%s: %w", path, common.EPERM)
	}
	ip, err := fs.lookup(dir, name)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer fs.itable.Put(ip)
	if !ip.IsDir() {
		return fmt.Errorf("%s: %w", path, common.ENOTDIR)
	}
	if ip.Dev() != dir.Dev() || ip.Mounted() || ip.Count() > 1 {
		return fmt.Errorf("%s: %w", path, common.EBUSY)
	}
	empty, err := fs.isEmptyDir(ip)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%s: %w", path, common.ENOTEMPTY)
	}
	if err := fs.deleteEntry(dir, name); err != nil {
		return err
	}
	ip.Nlinks = 0
	ip.MarkDirty()
	dir.Nlinks--
	dir.Ctime, dir.Mtime = fs.now(), fs.now()
	dir.MarkDirty()
	return nil
}
