package bcache

import (
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/device"
)

func (c *Cache) lockBuffer(b *Buffer) {
	for b.locked {
		b.wait.Sleep(c.cpu)
	}
	b.locked = true
}

func (c *Cache) unlockBuffer(b *Buffer) {
	if !b.locked {
		log.Warnf("free buffer being unlocked (dev %s, block %d)", b.dev, b.blocknr)
	}
	b.locked = false
	b.wait.WakeAll()
}

// rw starts a transfer of b. Reads of up-to-date buffers and writes of clean
// ones are dropped. The ahead variants are dropped as well if the buffer is
// busy, instead of waiting for it. The buffer stays locked until the driver
// reports completion.
func (c *Cache) rw(cmd common.RW, b *Buffer) {
	switch cmd {
	case common.READA, common.WRITEA:
		if b.locked {
			return
		}
		if cmd == common.READA {
			cmd = common.READ
		} else {
			cmd = common.WRITE
		}
	}
	c.lockBuffer(b)
	if (cmd == common.WRITE && !b.dirty) || (cmd == common.READ && b.uptodate) {
		c.unlockBuffer(b)
		return
	}
	if cmd == common.WRITE {
		b.dirty = false
	}
	c.io.Submit(&device.Request{
		Dev:   b.dev,
		Cmd:   cmd,
		Block: b.blocknr,
		Data:  b.data,
		Done: func(err error) {
			c.endRequest(b, err)
		},
	})
}

// endRequest runs on the driver's goroutine when a transfer has finished.
func (c *Cache) endRequest(b *Buffer, err error) {
	c.cpu.Lock()
	defer c.cpu.Unlock()
	if err != nil {
		log.WithError(err).Warnf("I/O error: dev %s, block %d", b.dev, b.blocknr)
	}
	b.uptodate = err == nil
	c.unlockBuffer(b)
}
