package common

import "fmt"

// A device number, with the major number in the high byte and the minor
// number in the low byte. Device 0 is never a real device.
type Dev uint16

const NODEV Dev = 0

func MkDev(major, minor int) Dev {
	return Dev(major<<8 | minor&0xff)
}

func (d Dev) Major() int { return int(d >> 8) }
func (d Dev) Minor() int { return int(d & 0xff) }

func (d Dev) String() string {
	return fmt.Sprintf("%d:%d", d.Major(), d.Minor())
}

// The direction of a block request. The read-ahead and write-ahead variants
// are dropped rather than waited for when the buffer is already busy.
type RW int

const (
	READ RW = iota
	WRITE
	READA
	WRITEA
)

func (rw RW) String() string {
	switch rw {
	case READ:
		return "read"
	case WRITE:
		return "write"
	case READA:
		return "read-ahead"
	case WRITEA:
		return "write-ahead"
	}
	return fmt.Sprintf("RW(%d)", int(rw))
}

// InodeSyncer writes every dirty in-memory inode into its buffer. The buffer
// cache calls it before writing a device back.
type InodeSyncer interface {
	SyncInodes()
}

// PageAllocator hands out zeroed physical pages. Pipe inodes keep their data
// in a single page taken from it.
type PageAllocator interface {
	GetFreePage() (uint32, error)
	FreePage(addr uint32)
	Page(addr uint32) []byte
}
