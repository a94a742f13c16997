package inode

import (
	"context"

	"github.com/jnwhiteh/minixkern/common"
)

// A pipe holds at most PIPE_SIZE-1 bytes, so that a full pipe can be told
// apart from an empty one.
func (ip *Inode) pipeLen() int {
	return (ip.head - ip.tail) & (common.PIPE_SIZE - 1)
}

// GetPipeInode returns a pipe inode with two references, one for each end.
// Its buffer is a page taken from the page allocator.
func (t *Table) GetPipeInode() (*Inode, error) {
	ip, err := t.getEmpty()
	if err != nil {
		return nil, err
	}
	page, err := t.pages.GetFreePage()
	if err != nil {
		ip.count = 0
		t.release(ip)
		return nil, err
	}
	ip.count = 2
	ip.pipe = true
	ip.page = page
	ip.head, ip.tail = 0, 0
	return ip, nil
}

// ReadPipe reads len(buf) bytes from a pipe, sleeping while it is empty and a
// writer remains. It returns early, with what it has, once the writer is
// gone. If ctx is cancelled while it sleeps, the bytes read so far are
// returned, or EINTR if there are none.
func (t *Table) ReadPipe(ctx context.Context, ip *Inode, buf []byte) (int, error) {
	data := t.pages.Page(ip.page)
	read := 0
	for read < len(buf) {
		for ip.pipeLen() == 0 {
			ip.wait.WakeAll()
			if ip.count != 2 {
				return read, nil
			}
			if err := ip.wait.SleepInterruptible(ctx, t.cpu); err != nil {
				if read > 0 {
					return read, nil
				}
				return 0, err
			}
		}
		n := common.PAGE_SIZE - ip.tail
		n = min(n, len(buf)-read, ip.pipeLen())
		copy(buf[read:read+n], data[ip.tail:ip.tail+n])
		ip.tail = (ip.tail + n) & (common.PAGE_SIZE - 1)
		read += n
	}
	ip.wait.WakeAll()
	return read, nil
}

// WritePipe writes buf into a pipe, sleeping while it is full. It fails with
// EPIPE once there is no reader left and nothing could be written.
func (t *Table) WritePipe(ctx context.Context, ip *Inode, buf []byte) (int, error) {
	data := t.pages.Page(ip.page)
	written := 0
	for written < len(buf) {
		for common.PIPE_SIZE-1-ip.pipeLen() == 0 {
			ip.wait.WakeAll()
			if ip.count != 2 {
				if written > 0 {
					return written, nil
				}
				return 0, common.EPIPE
			}
			if err := ip.wait.SleepInterruptible(ctx, t.cpu); err != nil {
				if written > 0 {
					return written, nil
				}
				return 0, err
			}
		}
		n := common.PAGE_SIZE - ip.head
		n = min(n, len(buf)-written, common.PIPE_SIZE-1-ip.pipeLen())
		copy(data[ip.head:ip.head+n], buf[written:written+n])
		ip.head = (ip.head + n) & (common.PAGE_SIZE - 1)
		written += n
	}
	ip.wait.WakeAll()
	return written, nil
}
