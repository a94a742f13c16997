package vm

import "fmt"

type Perm uint8

const (
	ReadOnly Perm = iota
	ReadWrite
)

func (p Perm) String() string {
	switch p {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	default:
		panic(fmt.Sprintf("invalid permission: %d", p))
	}
}

// A PTE maps one page of linear memory to a frame.
type PTE struct {
	Frame   uint32 // physical address
	Present bool
	Perm    Perm
	User    bool
	Dirty   bool // written since it was mapped
}

type pageTable struct {
	frame   uint32 // where the table itself is accounted
	entries [PTRS_PER_TABLE]PTE
}

func dirIndex(addr uint32) int   { return int(addr >> TABLE_SHIFT) }
func tableIndex(addr uint32) int { return int(addr>>PAGE_SHIFT) & (PTRS_PER_TABLE - 1) }

// lookup returns the entry for a linear address, or nil if no page table
// covers it.
func (m *Memory) lookup(addr uint32) *PTE {
	pt := m.dir[dirIndex(addr)]
	if pt == nil {
		return nil
	}
	return &pt.entries[tableIndex(addr)]
}

// Translate returns the entry mapping a linear address.
func (m *Memory) Translate(addr uint32) (PTE, bool) {
	pte := m.lookup(addr)
	if pte == nil || !pte.Present {
		return PTE{}, false
	}
	return *pte, true
}

func (m *Memory) newTable() (*pageTable, error) {
	frame, err := m.GetFreePage()
	if err != nil {
		return nil, err
	}
	return &pageTable{frame: frame}, nil
}

func tables(size uint32) int {
	return int((uint64(size) + TABLE_SPAN - 1) >> TABLE_SHIFT)
}

// FreePageTables unmaps size bytes of linear memory starting at from, which
// must be aligned to a page table, releasing the mapped frames and the tables.
func (m *Memory) FreePageTables(from, size uint32) {
	if from&(TABLE_SPAN-1) != 0 {
		log.Panicf("free_page_tables called with wrong alignment")
	}
	if from == 0 {
		log.Panicf("Trying to free up swapper memory space")
	}
	d := dirIndex(from)
	for n := tables(size); n > 0 && d < PTRS_PER_TABLE; n, d = n-1, d+1 {
		pt := m.dir[d]
		if pt == nil {
			continue
		}
		for i := range pt.entries {
			if pt.entries[i].Present {
				m.FreePage(pt.entries[i].Frame)
			}
			pt.entries[i] = PTE{}
		}
		m.FreePage(pt.frame)
		m.dir[d] = nil
	}
	m.invalidate()
}

// CopyPageTables makes the linear range at to share the frames mapped at
// from. Shared frames are write protected in both ranges. When copying from
// address 0 only the first 640kB are copied; those frames lie in low memory
// and are shared with the kernel without being counted.
func (m *Memory) CopyPageTables(from, to, size uint32) error {
	if from&(TABLE_SPAN-1) != 0 || to&(TABLE_SPAN-1) != 0 {
		log.Panicf("copy_page_tables called with wrong alignment")
	}
	fd, td := dirIndex(from), dirIndex(to)
	for n := tables(size); n > 0 && fd < PTRS_PER_TABLE && td < PTRS_PER_TABLE; n, fd, td = n-1, fd+1, td+1 {
		if m.dir[td] != nil {
			log.Panicf("copy_page_tables: already exist")
		}
		src := m.dir[fd]
		if src == nil {
			continue
		}
		dst, err := m.newTable()
		if err != nil {
			return err
		}
		m.dir[td] = dst
		nr := PTRS_PER_TABLE
		if from == 0 {
			nr = 0xA0
		}
		for i := 0; i < nr; i++ {
			e := src.entries[i]
			if !e.Present {
				continue
			}
			e.Perm = ReadOnly
			dst.entries[i] = e
			if m.managed(e.Frame) {
				src.entries[i] = e
				m.share(e.Frame)
			}
		}
	}
	m.invalidate()
	return nil
}

// PutPage maps the frame at page to the linear address, with write access,
// allocating a page table if needed.
func (m *Memory) PutPage(page, addr uint32) (uint32, error) {
	if !m.managed(page) {
		log.Warnf("Trying to put page %#x at %#x", page, addr)
	} else if m.memMap[m.mapNr(page)] != 1 {
		log.Warnf("mem_map disagrees with %#x at %#x", page, addr)
	}
	d := dirIndex(addr)
	if m.dir[d] == nil {
		pt, err := m.newTable()
		if err != nil {
			return 0, err
		}
		m.dir[d] = pt
	}
	m.dir[d].entries[tableIndex(addr)] = PTE{Frame: page, Present: true, Perm: ReadWrite, User: true}
	return page, nil
}
