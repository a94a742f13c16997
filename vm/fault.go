package vm

import (
	"github.com/jnwhiteh/minixkern/common"
	"golang.org/x/sys/unix"
)

// oom kills p for running out of memory.
func (m *Memory) oom(p *Process) error {
	log.Warnf("out of memory")
	p.kill(unix.SIGSEGV)
	return ErrOutOfMemory
}

// unWPPage gives the page mapped by pte a private, writable frame. A frame
// nobody else references is simply made writable; otherwise its content is
// copied into a new frame.
func (m *Memory) unWPPage(pte *PTE) error {
	old := pte.Frame
	if m.managed(old) && m.memMap[m.mapNr(old)] == 1 {
		pte.Perm = ReadWrite
		m.invalidate()
		return nil
	}
	page, err := m.GetFreePage()
	if err != nil {
		return err
	}
	if m.managed(old) {
		m.memMap[m.mapNr(old)]--
	}
	*pte = PTE{Frame: page, Present: true, Perm: ReadWrite, User: true}
	m.invalidate()
	copy(m.Page(page), m.Page(old))
	return nil
}

// DoWPPage handles a write to a present, write protected page of p.
func (m *Memory) DoWPPage(p *Process, addr uint32) error {
	pte := m.lookup(addr)
	if pte == nil || !pte.Present {
		log.Panicf("do_wp_page: %#x is not mapped", addr)
	}
	if err := m.unWPPage(pte); err != nil {
		return m.oom(p)
	}
	return nil
}

// WriteVerify makes sure the page at addr can be written by the kernel on
// behalf of p, unsharing it now if it is present and write protected.
func (m *Memory) WriteVerify(p *Process, addr uint32) error {
	pte := m.lookup(addr)
	if pte == nil || !pte.Present || pte.Perm != ReadOnly {
		return nil
	}
	if err := m.unWPPage(pte); err != nil {
		return m.oom(p)
	}
	return nil
}

// GetEmptyPage maps a fresh zeroed frame at addr.
func (m *Memory) GetEmptyPage(p *Process, addr uint32) error {
	page, err := m.GetFreePage()
	if err != nil {
		return m.oom(p)
	}
	if _, err := m.PutPage(page, addr); err != nil {
		m.FreePage(page)
		return m.oom(p)
	}
	return nil
}

// tryToShare maps the page at offset addr of p's space into current's space,
// if p has it present and clean. Both mappings end up write protected.
func (m *Memory) tryToShare(addr uint32, current, p *Process) (bool, error) {
	from := m.lookup(p.StartCode + addr)
	if from == nil || !from.Present || from.Dirty {
		return false, nil
	}
	if !m.managed(from.Frame) {
		return false, nil
	}
	to := current.StartCode + addr
	d := dirIndex(to)
	if m.dir[d] == nil {
		pt, err := m.newTable()
		if err != nil {
			return false, m.oom(current)
		}
		m.dir[d] = pt
	}
	pte := &m.dir[d].entries[tableIndex(to)]
	if pte.Present {
		log.Panicf("try_to_share: to_page already exists")
	}
	from.Perm = ReadOnly
	*pte = *from
	m.invalidate()
	m.share(from.Frame)
	return true, nil
}

// sharePage looks for another process running the same executable that can
// share the page at offset addr with current.
func (m *Memory) sharePage(addr uint32, current *Process) (bool, error) {
	exe := current.Executable
	if exe == nil || exe.Count() < 2 {
		return false, nil
	}
	var (
		shared bool
		err    error
	)
	m.procs.Descend(func(p *Process) bool {
		if p == current || p.Executable != exe {
			return true
		}
		shared, err = m.tryToShare(addr, current, p)
		return !shared && err == nil
	})
	return shared, err
}

// DoNoPage handles a fault on a page of p that is not present. Pages past
// the data of the executable are zero filled; others are shared with another
// process running the executable when possible and read from it otherwise.
func (m *Memory) DoNoPage(p *Process, addr uint32) error {
	addr &^= common.PAGE_SIZE - 1
	tmp := addr - p.StartCode
	if p.Executable == nil || tmp >= p.EndData {
		return m.GetEmptyPage(p, addr)
	}
	if shared, err := m.sharePage(tmp, p); shared || err != nil {
		return err
	}
	page, err := m.GetFreePage()
	if err != nil {
		return m.oom(p)
	}
	// block 0 of the executable is its header
	exe := p.Executable
	block := 1 + int(tmp/common.BLOCK_SIZE)
	var nr [common.BLOCKS_PER_PAGE]uint32
	for i := range nr {
		if nr[i], err = m.inodes.Bmap(exe, block+i, false); err != nil {
			log.WithError(err).Warnf("cannot map block %d of %s", block+i, exe)
		}
	}
	if err := m.cache.ReadPage(m.Page(page), exe.Dev(), nr); err != nil {
		log.WithError(err).Warnf("demand load of %#x from %s", addr, exe)
	}
	if past := int(tmp) + common.PAGE_SIZE - int(p.EndData); past > 0 {
		data := m.Page(page)
		clear(data[common.PAGE_SIZE-past:])
	}
	if _, err := m.PutPage(page, addr); err != nil {
		m.FreePage(page)
		return m.oom(p)
	}
	return nil
}
