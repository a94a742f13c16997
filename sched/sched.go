// Package sched provides the two scheduling primitives the cache layers are
// written against: a single logical processor that kernel code runs on, and
// wait queues to sleep on until woken.
//
// Every exported operation of bcache, super, alloctbl, inode and the fault
// handlers of vm must be called with the CPU held. The only points at which
// another thread of control may run are the Sleep calls below, which give
// the CPU up while blocked and take it back before returning. Code that
// sleeps must therefore re-check whatever it was waiting for once it wakes.
package sched

import (
	"context"
	"sync"

	"github.com/jnwhiteh/minixkern/common"
)

// CPU serializes kernel-mode execution.
type CPU struct {
	mu sync.Mutex
}

func (c *CPU) Lock()   { c.mu.Lock() }
func (c *CPU) Unlock() { c.mu.Unlock() }

// A WaitQueue is a set of sleeping threads. It is protected by the CPU.
type WaitQueue struct {
	waiters []chan struct{}
}

// Sleep blocks uninterruptibly until the thread is woken.
//
// Preconditions: cpu is held.
func (q *WaitQueue) Sleep(cpu *CPU) {
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	cpu.Unlock()
	<-ch
	cpu.Lock()
}

// SleepInterruptible blocks until the thread is woken or ctx is done, in
// which case it returns EINTR. A wakeup that races with cancellation wins.
//
// Preconditions: cpu is held.
func (q *WaitQueue) SleepInterruptible(ctx context.Context, cpu *CPU) error {
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	cpu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
	cpu.Lock()
	select {
	case <-ch:
		return nil
	default:
	}
	q.remove(ch)
	return common.EINTR
}

func (q *WaitQueue) remove(ch chan struct{}) {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// WakeOne wakes the longest sleeping thread, if any.
func (q *WaitQueue) WakeOne() bool {
	if len(q.waiters) == 0 {
		return false
	}
	close(q.waiters[0])
	q.waiters = q.waiters[1:]
	return true
}

// WakeAll wakes every sleeping thread and returns how many there were.
func (q *WaitQueue) WakeAll() int {
	n := len(q.waiters)
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
	return n
}

// Len returns the number of sleeping threads.
func (q *WaitQueue) Len() int { return len(q.waiters) }
