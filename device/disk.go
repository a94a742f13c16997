package device

import (
	"fmt"
	"sync"

	"github.com/jnwhiteh/minixkern/common"
	"golang.org/x/sys/unix"
)

// Disk provides access to a block device of BLOCK_SIZE blocks.
type Disk interface {
	// ReadTo reads the block at a into buf, which must be BLOCK_SIZE bytes.
	ReadTo(a uint32, buf []byte) error

	// Write updates the block at a.
	Write(a uint32, buf []byte) error

	// Size reports how big the disk is, in blocks.
	Size() uint32

	// Barrier returns once all completed writes are durable.
	Barrier() error

	Close() error
}

func checkBlock(a, size uint32, buf []byte) error {
	if len(buf) != common.BLOCK_SIZE {
		panic(fmt.Errorf("buffer is not block-sized (%d bytes)", len(buf)))
	}
	if a >= size {
		return fmt.Errorf("block %d beyond end of device (%d blocks): %w", a, size, common.EIO)
	}
	return nil
}

var _ Disk = (*fileDisk)(nil)

type fileDisk struct {
	fd        int
	numBlocks uint32
}

// NewFileDisk opens (creating it if necessary) an image file and sizes it to
// numBlocks blocks.
func NewFileDisk(path string, numBlocks uint32) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	want := int64(numBlocks) * common.BLOCK_SIZE
	if stat.Mode&unix.S_IFMT == unix.S_IFREG && stat.Size != want {
		if err := unix.Ftruncate(fd, want); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &fileDisk{fd, numBlocks}, nil
}

// OpenFileDisk opens an existing image file; its size determines the number
// of blocks.
func OpenFileDisk(path string, readonly bool) (Disk, error) {
	flags := unix.O_RDWR
	if readonly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &fileDisk{fd, uint32(stat.Size / common.BLOCK_SIZE)}, nil
}

func (d *fileDisk) ReadTo(a uint32, buf []byte) error {
	if err := checkBlock(a, d.numBlocks, buf); err != nil {
		return err
	}
	n, err := unix.Pread(d.fd, buf, int64(a)*common.BLOCK_SIZE)
	if err != nil {
		return fmt.Errorf("read block %d: %w", a, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short read of block %d (%d bytes): %w", a, n, common.EIO)
	}
	return nil
}

func (d *fileDisk) Write(a uint32, buf []byte) error {
	if err := checkBlock(a, d.numBlocks, buf); err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd, buf, int64(a)*common.BLOCK_SIZE)
	if err != nil {
		return fmt.Errorf("write block %d: %w", a, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write of block %d (%d bytes): %w", a, n, common.EIO)
	}
	return nil
}

func (d *fileDisk) Size() uint32 { return d.numBlocks }

func (d *fileDisk) Barrier() error {
	return unix.Fsync(d.fd)
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

var _ Disk = (*memDisk)(nil)

type memDisk struct {
	l      sync.RWMutex
	blocks [][common.BLOCK_SIZE]byte
}

// NewMemDisk returns a zero-filled disk of numBlocks blocks held in memory.
func NewMemDisk(numBlocks uint32) Disk {
	return &memDisk{blocks: make([][common.BLOCK_SIZE]byte, numBlocks)}
}

func (d *memDisk) ReadTo(a uint32, buf []byte) error {
	if err := checkBlock(a, d.Size(), buf); err != nil {
		return err
	}
	d.l.RLock()
	defer d.l.RUnlock()
	copy(buf, d.blocks[a][:])
	return nil
}

func (d *memDisk) Write(a uint32, buf []byte) error {
	if err := checkBlock(a, d.Size(), buf); err != nil {
		return err
	}
	d.l.Lock()
	defer d.l.Unlock()
	copy(d.blocks[a][:], buf)
	return nil
}

// the number of blocks never changes, so no lock is needed
func (d *memDisk) Size() uint32 { return uint32(len(d.blocks)) }

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }
