package vm

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/inode"
	"golang.org/x/sys/unix"
)

// A Process owns the TASK_SIZE bytes of linear memory at StartCode. Offsets
// below EndData are backed by its executable, if it has one; everything
// else is zero filled on first touch.
type Process struct {
	Nr         int
	StartCode  uint32
	EndCode    uint32
	EndData    uint32
	Executable *inode.Inode

	signal unix.Signal
}

// Killed returns the signal that killed p, or 0.
func (p *Process) Killed() unix.Signal { return p.signal }

func (p *Process) kill(sig unix.Signal) {
	if p.signal == 0 {
		p.signal = sig
	}
}

func (p *Process) String() string {
	return fmt.Sprintf("task %d", p.Nr)
}

// limit is the amount of linear memory copied on fork.
func (p *Process) limit() uint32 {
	if p.Nr == 0 {
		return 0xA0000
	}
	return TASK_SIZE
}

func (m *Memory) freeSlot() (int, error) {
	for nr := 1; nr < NR_TASKS; nr++ {
		if _, ok := m.procs.Get(&Process{Nr: nr}); !ok {
			return nr, nil
		}
	}
	return 0, fmt.Errorf("process table full: %w", common.EAGAIN)
}

// Process returns the process in slot nr.
func (m *Memory) Process(nr int) (*Process, bool) {
	return m.procs.Get(&Process{Nr: nr})
}

// Spawn creates a process with an empty address space that runs exe, as if
// it had just executed it. The process takes its own reference to exe.
func (m *Memory) Spawn(exe *inode.Inode, endCode, endData uint32) (*Process, error) {
	nr, err := m.freeSlot()
	if err != nil {
		return nil, err
	}
	if endData > TASK_SIZE || endCode > endData {
		return nil, fmt.Errorf("bad image layout %#x/%#x: %w", endCode, endData, common.ENOEXEC)
	}
	p := &Process{
		Nr:        nr,
		StartCode: uint32(nr) * TASK_SIZE,
		EndCode:   endCode,
		EndData:   endData,
	}
	if exe != nil {
		p.Executable = m.inodes.Dup(exe)
	}
	m.procs.ReplaceOrInsert(p)
	log.Debugf("spawned %s at %#x", p, p.StartCode)
	return p, nil
}

// Fork creates a child of parent sharing all of its pages copy-on-write.
func (m *Memory) Fork(parent *Process) (*Process, error) {
	nr, err := m.freeSlot()
	if err != nil {
		return nil, err
	}
	child := &Process{
		Nr:        nr,
		StartCode: uint32(nr) * TASK_SIZE,
		EndCode:   parent.EndCode,
		EndData:   parent.EndData,
	}
	if err := m.CopyPageTables(parent.StartCode, child.StartCode, parent.limit()); err != nil {
		m.FreePageTables(child.StartCode, parent.limit())
		return nil, fmt.Errorf("fork of %s: %w", parent, common.EAGAIN)
	}
	if parent.Executable != nil {
		child.Executable = m.inodes.Dup(parent.Executable)
	}
	m.procs.ReplaceOrInsert(child)
	return child, nil
}

// Exit releases the address space and the executable of p.
func (m *Memory) Exit(p *Process) {
	if p.Nr == 0 {
		log.Panicf("task[0] trying to exit")
	}
	m.FreePageTables(p.StartCode, TASK_SIZE)
	if p.Executable != nil {
		m.inodes.Put(p.Executable)
		p.Executable = nil
	}
	m.procs.Delete(p)
}

// Processes returns the live processes in slot order.
func (m *Memory) Processes() []*Process {
	var ps []*Process
	m.procs.Ascend(func(p *Process) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

func (m *Memory) checkRange(p *Process, off uint32, n int) error {
	if p.signal != 0 {
		return fmt.Errorf("%s killed by %v: %w", p, p.signal, common.EFAULT)
	}
	if uint64(off)+uint64(n) > TASK_SIZE {
		return fmt.Errorf("%s: %#x+%d outside the address space: %w", p, off, n, common.EFAULT)
	}
	return nil
}

// ReadUser copies len(buf) bytes at offset off of p's address space into
// buf, faulting pages in as needed.
func (m *Memory) ReadUser(p *Process, off uint32, buf []byte) error {
	m.cpu.Lock()
	defer m.cpu.Unlock()
	if err := m.checkRange(p, off, len(buf)); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		addr := p.StartCode + off + uint32(done)
		pte := m.lookup(addr)
		if pte == nil || !pte.Present {
			if err := m.DoNoPage(p, addr); err != nil {
				return err
			}
			continue
		}
		pos := int(addr & (common.PAGE_SIZE - 1))
		done += copy(buf[done:], m.Page(pte.Frame)[pos:])
	}
	return nil
}

// WriteUser copies buf to offset off of p's address space, faulting pages in
// and unsharing them as needed.
func (m *Memory) WriteUser(p *Process, off uint32, buf []byte) error {
	m.cpu.Lock()
	defer m.cpu.Unlock()
	if err := m.checkRange(p, off, len(buf)); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		addr := p.StartCode + off + uint32(done)
		pte := m.lookup(addr)
		if pte == nil || !pte.Present {
			if err := m.DoNoPage(p, addr); err != nil {
				return err
			}
			continue
		}
		if pte.Perm == ReadOnly {
			if err := m.DoWPPage(p, addr); err != nil {
				return err
			}
			continue
		}
		pos := int(addr & (common.PAGE_SIZE - 1))
		done += copy(m.Page(pte.Frame)[pos:], buf[done:])
		pte.Dirty = true
	}
	return nil
}
