package fs

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/inode"
)

// fileRead copies from the blocks of ip at f's position. Holes read as
// zeros. An error is only returned if nothing could be read.
func (fs *FileSystem) fileRead(ip *inode.Inode, f *File, buf []byte) (int, error) {
	var err error
	n := 0
	for n < len(buf) {
		var zone uint32
		zone, err = fs.itable.Bmap(ip, int(f.pos/common.BLOCK_SIZE), false)
		if err != nil {
			break
		}
		off := int(f.pos % common.BLOCK_SIZE)
		chars := min(common.BLOCK_SIZE-off, len(buf)-n)
		if zone != common.NO_BLOCK {
			var bh *bcache.Buffer
			if bh, err = fs.cache.ReadBlock(ip.Dev(), zone); err != nil {
				break
			}
			copy(buf[n:n+chars], bh.Data()[off:])
			fs.cache.Release(bh)
		} else {
			clear(buf[n : n+chars])
		}
		f.pos += uint32(chars)
		n += chars
	}
	ip.Atime = fs.now()
	if n == 0 && err != nil {
		return 0, err
	}
	return n, nil
}

// fileWrite copies buf into ip at f's position, or at the end for O_APPEND,
// allocating blocks as it goes. The file grows as needed.
func (fs *FileSystem) fileWrite(ip *inode.Inode, f *File, buf []byte) (int, error) {
	pos := f.pos
	if f.flags&common.O_APPEND != 0 {
		pos = ip.Size
	}
	var err error
	n := 0
	for n < len(buf) {
		block := int(pos / common.BLOCK_SIZE)
		if block >= common.MAX_BLOCKS {
			err = common.EFBIG
			break
		}
		var zone uint32
		if zone, err = fs.itable.Bmap(ip, block, true); err != nil {
			break
		}
		var bh *bcache.Buffer
		if bh, err = fs.cache.ReadBlock(ip.Dev(), zone); err != nil {
			break
		}
		off := int(pos % common.BLOCK_SIZE)
		chars := copy(bh.Data()[off:], buf[n:])
		bh.MarkDirty()
		fs.cache.Release(bh)
		pos += uint32(chars)
		n += chars
		if pos > ip.Size {
			ip.Size = pos
			ip.MarkDirty()
		}
	}
	ip.Mtime = fs.now()
	if f.flags&common.O_APPEND == 0 {
		f.pos = pos
		ip.Ctime = fs.now()
	}
	ip.MarkDirty()
	if n == 0 && err != nil {
		return 0, err
	}
	return n, nil
}

// readAhead returns the buffer of block, and starts reads of the two blocks
// after it that exist on dev.
func (fs *FileSystem) readAhead(dev common.Dev, block, size uint32) (*bcache.Buffer, error) {
	var extra []uint32
	for b := block + 1; b < size && b <= block+2; b++ {
		extra = append(extra, b)
	}
	return fs.cache.ReadAhead(dev, block, extra...)
}

// blockRead reads from a raw device at *pos. Reading stops at the end of the
// device.
func (fs *FileSystem) blockRead(dev common.Dev, pos *uint32, buf []byte) (int, error) {
	size := fs.driver.Size(dev)
	if size == 0 {
		return 0, fmt.Errorf("block device %s: %w", dev, common.ENXIO)
	}
	n := 0
	for n < len(buf) {
		block, off := *pos/common.BLOCK_SIZE, int(*pos%common.BLOCK_SIZE)
		if block >= size {
			break
		}
		bh, err := fs.readAhead(dev, block, size)
		if err != nil {
			if n == 0 {
				return 0, err
			}
			break
		}
		chars := copy(buf[n:], bh.Data()[off:])
		fs.cache.Release(bh)
		*pos += uint32(chars)
		n += chars
	}
	return n, nil
}

// blockWrite writes to a raw device at *pos. Whole blocks are not read
// first.
func (fs *FileSystem) blockWrite(dev common.Dev, pos *uint32, buf []byte) (int, error) {
	size := fs.driver.Size(dev)
	if size == 0 {
		return 0, fmt.Errorf("block device %s: %w", dev, common.ENXIO)
	}
	n := 0
	for n < len(buf) {
		block, off := *pos/common.BLOCK_SIZE, int(*pos%common.BLOCK_SIZE)
		if block >= size {
			if n == 0 {
				return 0, common.ENOSPC
			}
			break
		}
		chars := min(common.BLOCK_SIZE-off, len(buf)-n)
		var bh *bcache.Buffer
		if chars == common.BLOCK_SIZE {
			bh = fs.cache.GetBlock(dev, block)
			bh.MarkUptodate()
		} else {
			var err error
			if bh, err = fs.readAhead(dev, block, size); err != nil {
				if n == 0 {
					return 0, err
				}
				break
			}
		}
		copy(bh.Data()[off:], buf[n:n+chars])
		bh.MarkDirty()
		fs.cache.Release(bh)
		*pos += uint32(chars)
		n += chars
	}
	return n, nil
}
