package testutils

import (
	"testing"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/device"
)

//////////////////////////////////////////////////////////////////////////////
// A ramdisk with a certain number of blocks. Each block is filled with the
// low byte of its block number, so each byte in the first block contains a 0,
// the next block contains all 1, etc.
//////////////////////////////////////////////////////////////////////////////

func NewTestDisk(test testing.TB, blocks uint32) device.Disk {
	disk := device.NewMemDisk(blocks)
	buf := make([]byte, common.BLOCK_SIZE)
	for i := uint32(0); i < blocks; i++ {
		for j := range buf {
			buf[j] = byte(i)
		}
		if err := disk.Write(i, buf); err != nil {
			FatalHere(test, "Failed when filling test disk: %s", err)
		}
	}
	return disk
}

//////////////////////////////////////////////////////////////////////////////
// A disk that blocks on any read. It notifies of the block using the
// HasBlocked channel and waits to be unblocked on the Unblock channel.
//////////////////////////////////////////////////////////////////////////////

type BlockingDisk struct {
	device.Disk
	HasBlocked chan uint32
	Unblock    chan bool
}

func NewBlockingDisk(disk device.Disk) *BlockingDisk {
	return &BlockingDisk{
		disk,
		make(chan uint32),
		make(chan bool),
	}
}

func (d *BlockingDisk) ReadTo(a uint32, buf []byte) error {
	d.HasBlocked <- a
	<-d.Unblock
	return d.Disk.ReadTo(a, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A disk whose reads always fail.
//////////////////////////////////////////////////////////////////////////////

type BrokenDisk struct {
	device.Disk
}

func (d BrokenDisk) ReadTo(a uint32, buf []byte) error {
	return common.EIO
}
