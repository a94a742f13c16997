// Package vm manages physical page frames and the paged linear address
// space shared by every process: page table construction and teardown,
// copy-on-write after fork, demand loading of executables through the inode
// and buffer caches, and sharing of clean pages between processes running the
// same executable.
//
// Physical memory is an ordinary byte slice; page tables are kept as typed
// entries, each table accounted for by the frame it would occupy. A small
// software MMU (ReadUser, WriteUser) raises the faults real hardware would.
//
// Preconditions: every exported method of Memory except ReadUser and
// WriteUser must be called with the CPU held.
package vm

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/config"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/inode"
	"github.com/jnwhiteh/minixkern/sched"
)

var log = debug.Logger("vm")

const (
	PAGE_SHIFT     = 12
	PTRS_PER_TABLE = 1024
	TABLE_SHIFT    = 22
	TABLE_SPAN     = 1 << TABLE_SHIFT // linear memory mapped by one page table
	TASK_SIZE      = 64 << 20         // linear space of one process
	NR_TASKS       = 64

	// reference count of frames that are never handed out
	USED = 100
)

// ErrOutOfMemory is returned when no frame is left. The faulting process has
// been killed by then.
var ErrOutOfMemory = fmt.Errorf("out of memory: %w", common.ENOMEM)

type Memory struct {
	cpu    *sched.CPU
	cache  *bcache.Cache
	inodes *inode.Table

	lowMem  uint32
	highMem uint32
	memMap  []uint8 // reference count of each frame in [lowMem, highMem)
	phys    []byte  // physical memory, [0, highMem)

	dir   [PTRS_PER_TABLE]*pageTable // the page directory
	procs *btree.BTreeG[*Process]

	invalidations uint64 // translation cache flushes
}

var _ common.PageAllocator = (*Memory)(nil)

// New sets up physical memory as laid out in cfg. Frames below StartMem are
// reserved. Process 0 is created with the low memory mapped one to one.
func New(cpu *sched.CPU, cache *bcache.Cache, inodes *inode.Table, cfg config.Config) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{
		cpu:     cpu,
		cache:   cache,
		inodes:  inodes,
		lowMem:  cfg.LowMem,
		highMem: cfg.HighMem,
		memMap:  make([]uint8, (cfg.HighMem-cfg.LowMem)>>PAGE_SHIFT),
		phys:    make([]byte, cfg.HighMem),
		procs: btree.NewG(8, func(a, b *Process) bool {
			return a.Nr < b.Nr
		}),
	}
	for i := range m.memMap {
		m.memMap[i] = USED
	}
	for addr := cfg.StartMem; addr < cfg.HighMem; addr += common.PAGE_SIZE {
		m.memMap[m.mapNr(addr)] = 0
	}

	// The kernel's own table covers low memory. It does not live in a
	// managed frame and is never freed.
	kernel := &pageTable{}
	for addr := uint32(0); addr < cfg.LowMem && addr < TABLE_SPAN; addr += common.PAGE_SIZE {
		kernel.entries[addr>>PAGE_SHIFT] = PTE{Frame: addr, Present: true, Perm: ReadWrite, User: true}
	}
	m.dir[0] = kernel
	m.procs.ReplaceOrInsert(&Process{Nr: 0, EndCode: cfg.LowMem, EndData: cfg.LowMem})
	return m, nil
}

func (m *Memory) mapNr(addr uint32) int {
	return int((addr - m.lowMem) >> PAGE_SHIFT)
}

func (m *Memory) managed(addr uint32) bool {
	return addr >= m.lowMem && addr < m.highMem
}

func (m *Memory) invalidate() {
	m.invalidations++
}

// GetFreePage takes the highest free frame, marks it used and clears it.
func (m *Memory) GetFreePage() (uint32, error) {
	for i := len(m.memMap) - 1; i >= 0; i-- {
		if m.memMap[i] != 0 {
			continue
		}
		m.memMap[i] = 1
		addr := m.lowMem + uint32(i)<<PAGE_SHIFT
		clear(m.Page(addr))
		return addr, nil
	}
	return 0, ErrOutOfMemory
}

// FreePage drops a reference to the frame at addr. Frames in low memory are
// ignored.
func (m *Memory) FreePage(addr uint32) {
	if addr < m.lowMem {
		return
	}
	if addr >= m.highMem {
		log.Panicf("trying to free nonexistent page %#x", addr)
	}
	i := m.mapNr(addr)
	if m.memMap[i] == 0 {
		log.Panicf("trying to free free page %#x", addr)
	}
	m.memMap[i]--
}

// Page returns the memory of the frame at addr.
func (m *Memory) Page(addr uint32) []byte {
	addr &^= common.PAGE_SIZE - 1
	return m.phys[addr : addr+common.PAGE_SIZE : addr+common.PAGE_SIZE]
}

// share takes another reference to a managed frame.
func (m *Memory) share(addr uint32) {
	i := m.mapNr(addr)
	if m.memMap[i] == 0xff {
		log.Panicf("mem_map overflow at %#x", addr)
	}
	m.memMap[i]++
}

// Refcount returns the number of references to the frame at addr.
func (m *Memory) Refcount(addr uint32) int {
	if !m.managed(addr) {
		return 0
	}
	return int(m.memMap[m.mapNr(addr)])
}

type Stats struct {
	Frames        int // managed frames
	Free          int
	Tables        int         // page tables in use, the kernel's included
	Pages         map[int]int // present pages per directory slot
	Invalidations uint64
}

func (m *Memory) Stats() Stats {
	s := Stats{Frames: len(m.memMap), Pages: make(map[int]int), Invalidations: m.invalidations}
	for _, c := range m.memMap {
		if c == 0 {
			s.Free++
		}
	}
	for i, pt := range m.dir {
		if pt == nil {
			continue
		}
		s.Tables++
		n := 0
		for _, e := range pt.entries {
			if e.Present {
				n++
			}
		}
		s.Pages[i] = n
	}
	return s
}

// CalcMem logs the number of free frames and how many pages each process
// table maps.
func (m *Memory) CalcMem() Stats {
	s := m.Stats()
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%d pages free (of %d)\n", s.Free, s.Frames)
	for i := 2; i < PTRS_PER_TABLE; i++ {
		if n, ok := s.Pages[i]; ok {
			fmt.Fprintf(buf, "Pg-dir[%d] uses %d pages\n", i, n)
		}
	}
	log.Info(buf.String())
	return s
}
