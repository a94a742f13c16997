package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/debug"
	"golang.org/x/sync/errgroup"
)

var log = debug.Logger("device")

// A Request transfers one block between a disk and Data. Done is called from
// the driver's goroutine once the transfer has finished; it must not assume
// anything about the caller that submitted the request.
type Request struct {
	Dev   common.Dev
	Cmd   common.RW // READ or WRITE
	Block uint32
	Data  []byte
	Done  func(err error)
}

// Driver keeps one request queue per attached device and services each queue
// on its own goroutine, so a slow device does not hold up the others.
type Driver struct {
	mu     sync.Mutex
	queues map[common.Dev]*queue
	group  errgroup.Group
	closed bool
}

type queue struct {
	dev  common.Dev
	disk Disk

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Request
	closing bool

	reads  atomic.Uint64
	writes atomic.Uint64
}

func NewDriver() *Driver {
	return &Driver{queues: make(map[common.Dev]*queue)}
}

// Attach makes disk available as device dev.
func (d *Driver) Attach(dev common.Dev, disk Disk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("device: driver is closed")
	}
	if dev == common.NODEV {
		return fmt.Errorf("device: cannot attach device %s: %w", dev, common.ENXIO)
	}
	if _, ok := d.queues[dev]; ok {
		return fmt.Errorf("device: %s already attached: %w", dev, common.EBUSY)
	}
	q := &queue{dev: dev, disk: disk}
	q.cond = sync.NewCond(&q.mu)
	d.queues[dev] = q
	d.group.Go(func() error {
		q.run()
		return nil
	})
	return nil
}

// Disk returns the disk attached as dev.
func (d *Driver) Disk(dev common.Dev) (Disk, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[dev]
	if !ok {
		return nil, false
	}
	return q.disk, true
}

// Size reports the size in blocks of device dev, 0 if it is not attached.
func (d *Driver) Size(dev common.Dev) uint32 {
	if disk, ok := d.Disk(dev); ok {
		return disk.Size()
	}
	return 0
}

// Submit queues r and returns without waiting for it. It never blocks, so it
// may be called with the CPU held.
func (d *Driver) Submit(r *Request) {
	if r.Cmd != common.READ && r.Cmd != common.WRITE {
		panic(fmt.Sprintf("device: bad request command %s", r.Cmd))
	}
	d.mu.Lock()
	q, ok := d.queues[r.Dev]
	d.mu.Unlock()
	if !ok {
		log.Warnf("Trying to access nonexistent block-device %s", r.Dev)
		go r.Done(common.ENXIO)
		return
	}
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		go r.Done(common.ENXIO)
		return
	}
	q.pending = append(q.pending, r)
	q.cond.Signal()
	q.mu.Unlock()
}

// Barrier makes completed writes on dev durable.
func (d *Driver) Barrier(dev common.Dev) error {
	disk, ok := d.Disk(dev)
	if !ok {
		return common.ENXIO
	}
	return disk.Barrier()
}

// Stats reports how many block reads and writes have been performed on dev.
func (d *Driver) Stats(dev common.Dev) (reads, writes uint64) {
	d.mu.Lock()
	q, ok := d.queues[dev]
	d.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return q.reads.Load(), q.writes.Load()
}

// Close drains every queue, stops the workers and closes the disks.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	queues := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.closing = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	d.group.Wait()

	var errs []error
	for _, q := range queues {
		if err := q.disk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", q.dev, err))
		}
	}
	return errors.Join(errs...)
}

func (q *queue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closing {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		r := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		var err error
		switch r.Cmd {
		case common.READ:
			q.reads.Add(1)
			err = q.disk.ReadTo(r.Block, r.Data)
		case common.WRITE:
			q.writes.Add(1)
			err = q.disk.Write(r.Block, r.Data)
		}
		if err != nil {
			log.WithError(err).Warnf("I/O error on dev %s, block %d", r.Dev, r.Block)
		}
		r.Done(err)
	}
}
