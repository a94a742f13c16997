package fs

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/inode"
)

// specialDev returns the device named by the block special file at path.
func (fs *FileSystem) specialDev(path string) (common.Dev, error) {
	ip, err := fs.namei(path)
	if err != nil {
		return common.NODEV, err
	}
	dev := common.Dev(ip.Zone[0])
	isBlock := ip.IsBlock()
	fs.itable.Put(ip)
	if !isBlock {
		return common.NODEV, fmt.Errorf("%s: %w", path, common.ENOTBLK)
	}
	return dev, nil
}

// Mount mounts the filesystem on the device named by special over the
// directory dir. The directory must not be in use elsewhere, nor be a root
// or already covered.
func (fs *FileSystem) Mount(special, dir string) error {
	fs.lock()
	defer fs.unlock()
	dev, err := fs.specialDev(special)
	if err != nil {
		return err
	}
	dirIp, err := fs.namei(dir)
	if err != nil {
		return err
	}
	if dirIp.Count() != 1 || dirIp.Num() == common.ROOT_INO {
		fs.itable.Put(dirIp)
		return fmt.Errorf("mount on %s: %w", dir, common.EBUSY)
	}
	if !dirIp.IsDir() {
		fs.itable.Put(dirIp)
		return fmt.Errorf("mount on %s: %w", dir, common.EPERM)
	}
	sb, err := fs.supers.Read(dev)
	if err != nil {
		fs.itable.Put(dirIp)
		return fmt.Errorf("mount %s: %w", dev, err)
	}
	if sb.Imount != nil {
		fs.itable.Put(dirIp)
		return fmt.Errorf("%s already mounted: %w", dev, common.EBUSY)
	}
	if dirIp.Mounted() {
		fs.itable.Put(dirIp)
		return fmt.Errorf("mount on %s: %w", dir, common.EPERM)
	}
	// the reference to dirIp is dropped by Umount
	sb.Imount = dirIp
	dirIp.SetMounted(true)
	dirIp.MarkDirty()
	log.Infof("mounted %s on %s", dev, dir)
	return nil
}

// Umount detaches the filesystem on the device named by special. It fails
// with EBUSY while any of its inodes is in use.
func (fs *FileSystem) Umount(special string) error {
	fs.lock()
	defer fs.unlock()
	dev, err := fs.specialDev(special)
	if err != nil {
		return err
	}
	if dev == fs.supers.RootDev {
		return fmt.Errorf("umount of root device: %w", common.EBUSY)
	}
	sb := fs.supers.Get(dev)
	if sb == nil || sb.Imount == nil {
		return fmt.Errorf("%s is not mounted: %w", dev, common.ENOENT)
	}
	mnt := sb.Imount.(*inode.Inode)
	if !mnt.Mounted() {
		log.Warnf("Mounted inode has i_mount=0")
	}
	if fs.itable.Busy(dev, nil) {
		return fmt.Errorf("umount %s: %w", dev, common.EBUSY)
	}
	mnt.SetMounted(false)
	fs.itable.Put(mnt)
	sb.Imount, sb.Isup = nil, nil
	fs.supers.Put(dev)
	fs.cache.SyncDev(dev)
	return nil
}
