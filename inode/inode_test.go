package inode

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jnwhiteh/minixkern/alloctbl"
	"github.com/jnwhiteh/minixkern/bcache"
	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/device"
	"github.com/jnwhiteh/minixkern/mkfs"
	"github.com/jnwhiteh/minixkern/sched"
	"github.com/jnwhiteh/minixkern/super"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDev  = common.MkDev(3, 1)
	otherDev = common.MkDev(3, 2)
	epoch    = time.Unix(5000, 0)
)

// pageArena hands out pipe pages from the Go heap.
type pageArena struct {
	pages map[uint32][]byte
	next  uint32
	limit int
}

func (a *pageArena) GetFreePage() (uint32, error) {
	if len(a.pages) >= a.limit {
		return 0, common.ENOMEM
	}
	a.next += common.PAGE_SIZE
	a.pages[a.next] = make([]byte, common.PAGE_SIZE)
	return a.next, nil
}

func (a *pageArena) FreePage(addr uint32) {
	if _, ok := a.pages[addr]; !ok {
		panic("freeing free page")
	}
	delete(a.pages, addr)
}

func (a *pageArena) Page(addr uint32) []byte { return a.pages[addr] }

type testFS struct {
	*Table
	cpu    *sched.CPU
	drv    *device.Driver
	cache  *bcache.Cache
	supers *super.Table
	alloc  *alloctbl.AllocTbl
	pages  *pageArena
	disks  map[common.Dev]device.Disk
}

// openTestFS formats a 256 block disk with 64 inodes, which puts the first
// data zone at block 6, and mounts it as testDev.
func openTestFS(t *testing.T, ninodes int) *testFS {
	fs := &testFS{
		cpu:   new(sched.CPU),
		drv:   device.NewDriver(),
		pages: &pageArena{pages: make(map[uint32][]byte), limit: 4},
		disks: make(map[common.Dev]device.Disk),
	}
	t.Cleanup(func() { assert.NoError(t, fs.drv.Close()) })
	fs.cache = bcache.New(fs.cpu, fs.drv, 32, 7)
	fs.supers = super.NewTable(fs.cpu, fs.cache, 4)
	fs.alloc = alloctbl.New(fs.cache, fs.supers)
	fs.Table = NewTable(fs.cpu, fs.cache, fs.supers, fs.alloc, ninodes)
	fs.Table.Now = func() time.Time { return epoch }
	fs.Table.SetPageAllocator(fs.pages)
	fs.cache.SetInodeSyncer(fs.Table)
	fs.mount(t, testDev)
	fs.supers.RootDev = testDev
	return fs
}

func (fs *testFS) mount(t *testing.T, dev common.Dev) *super.Super {
	disk := device.NewMemDisk(256)
	_, err := mkfs.Format(disk, 64, time.Unix(0, 0))
	require.NoError(t, err)
	require.NoError(t, fs.drv.Attach(dev, disk))
	fs.disks[dev] = disk
	var sb *super.Super
	fs.do(func() {
		sb, err = fs.supers.Read(dev)
	})
	require.NoError(t, err)
	return sb
}

func (fs *testFS) do(f func()) {
	fs.cpu.Lock()
	defer fs.cpu.Unlock()
	f()
}

func (fs *testFS) newFile(t *testing.T) *Inode {
	ip, err := fs.New(context.Background(), testDev)
	require.NoError(t, err)
	ip.Mode = common.I_REGULAR | 0644
	return ip
}

func TestGetSharesSlots(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		root, err := fs.Get(testDev, common.ROOT_INO)
		require.NoError(t, err)
		assert.Equal(t, uint16(common.I_DIRECTORY|0755), root.Mode)
		assert.Equal(t, uint8(2), root.Nlinks)
		assert.Equal(t, 1, root.Count())

		again, err := fs.Get(testDev, common.ROOT_INO)
		require.NoError(t, err)
		assert.Same(t, root, again)
		assert.Equal(t, 2, root.Count())

		fs.Put(again)
		fs.Put(root)
		used, _ := fs.Stats()
		assert.Equal(t, 0, used)
		assert.Panics(t, func() { fs.Put(root) })
	})
}

func TestGetHitWithFullTable(t *testing.T) {
	fs := openTestFS(t, 2)
	var root, f *Inode
	fs.do(func() {
		var err error
		root, err = fs.Get(testDev, common.ROOT_INO)
		require.NoError(t, err)
		f = fs.newFile(t)
	})

	done := make(chan *Inode)
	go fs.do(func() {
		ip, err := fs.Get(testDev, common.ROOT_INO)
		assert.NoError(t, err)
		done <- ip
	})
	select {
	case ip := <-done:
		assert.Same(t, root, ip)
	case <-time.After(5 * time.Second):
		t.Fatal("Get of a cached inode waited for a free slot")
	}
	fs.do(func() {
		assert.Equal(t, 2, root.Count())
		fs.Put(root)
		fs.Put(root)
		f.Nlinks = 0
		fs.Put(f)
	})
}

// failingDisk fails every read of one block.
type failingDisk struct {
	device.Disk
	bad uint32
}

func (d failingDisk) ReadTo(a uint32, buf []byte) error {
	if a == d.bad {
		return common.EIO
	}
	return d.Disk.ReadTo(a, buf)
}

func TestGetEmptyKeepsUnwritableInode(t *testing.T) {
	fs := openTestFS(t, 2)
	disk := device.NewMemDisk(256)
	_, err := mkfs.Format(disk, 64, time.Unix(0, 0))
	require.NoError(t, err)
	// inode 2 of this layout lives in block 4
	require.NoError(t, fs.drv.Attach(otherDev, failingDisk{disk, 4}))

	fs.do(func() {
		_, err := fs.supers.Read(otherDev)
		require.NoError(t, err)

		f := fs.newFile(t)
		num := f.Num()
		fs.Put(f)
		f.dirty = true
		var bad *Inode
		for i := range fs.inodes {
			if &fs.inodes[i] != f {
				bad = &fs.inodes[i]
			}
		}
		bad.dev, bad.num = otherDev, 2
		bad.Mode, bad.Nlinks, bad.Size = common.I_REGULAR|0644, 1, 77
		bad.dirty = true

		root, err := fs.Get(testDev, common.ROOT_INO)
		require.NoError(t, err)
		assert.Same(t, f, root, "the slot that could be written back is reused")
		assert.True(t, bad.Dirty())
		assert.Equal(t, otherDev, bad.Dev())
		assert.EqualValues(t, 77, bad.Size)

		_, err = fs.Get(testDev, num)
		assert.True(t, errors.Is(err, common.EIO), "got %v", err)
		assert.True(t, bad.Dirty())
		assert.Equal(t, otherDev, bad.Dev())
		fs.Put(root)
	})
}

func TestGetWithEveryBufferDirty(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		// two buffers stay pinned by the bitmaps of testDev
		for block := uint32(100); block < 130; block++ {
			bh := fs.cache.GetBlock(testDev, block)
			bh.MarkUptodate()
			bh.MarkDirty()
			fs.cache.Release(bh)
		}
	})

	done := make(chan error, 1)
	go fs.do(func() {
		ip, err := fs.Get(testDev, common.ROOT_INO)
		if err == nil {
			fs.Put(ip)
		}
		done <- err
	})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Get never returned")
	}
}

func TestGetOutOfRange(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		_, err := fs.Get(testDev, 65)
		assert.True(t, errors.Is(err, common.EINVAL), "got %v", err)
		used, _ := fs.Stats()
		assert.Equal(t, 0, used)
	})
}

func TestLookupPath(t *testing.T) {
	for _, tc := range []struct {
		block int
		want  indirection
	}{
		{0, indirection{level: levelDirect, zone: 0}},
		{6, indirection{level: levelDirect, zone: 6}},
		{7, indirection{level: levelSingly, zone: 7, index: [2]int{0}}},
		{518, indirection{level: levelSingly, zone: 7, index: [2]int{511}}},
		{519, indirection{level: levelDoubly, zone: 8, index: [2]int{0, 0}}},
		{519 + 512 + 3, indirection{level: levelDoubly, zone: 8, index: [2]int{1, 3}}},
		{common.MAX_BLOCKS - 1, indirection{level: levelDoubly, zone: 8, index: [2]int{511, 511}}},
	} {
		assert.Equal(t, tc.want, lookupPath(tc.block), "block %d", tc.block)
	}
	assert.Panics(t, func() { lookupPath(-1) })
	assert.Panics(t, func() { lookupPath(common.MAX_BLOCKS) })
}

func TestBlockMapRoundTrip(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		ip := fs.newFile(t)
		before, _ := fs.alloc.Count(testDev)
		sb := fs.supers.Get(testDev)

		// the last block a file can have sits under the last entry of the
		// last double indirect child
		blocks := []int{0, 6, 7, 518, 519, 600, 1200, common.MAX_BLOCKS - 1}
		zones := make(map[int]uint32)
		seen := make(map[uint32]bool)
		for _, b := range blocks {
			zone, err := fs.Bmap(ip, b, true)
			require.NoError(t, err)
			require.NotZero(t, zone, "block %d", b)
			assert.True(t, zone >= uint32(sb.Firstdatazone) && zone < uint32(sb.Nzones),
				"block %d mapped to zone %d outside the data area", b, zone)
			assert.False(t, seen[zone], "zone %d mapped twice", zone)
			seen[zone] = true
			zones[b] = zone
		}
		for _, b := range blocks {
			zone, err := fs.Bmap(ip, b, false)
			require.NoError(t, err)
			assert.Equal(t, zones[b], zone, "block %d", b)
		}
		for _, b := range []int{1, 100, 520, 5000, common.MAX_BLOCKS - 2} {
			zone, err := fs.Bmap(ip, b, false)
			require.NoError(t, err)
			assert.Zero(t, zone, "block %d", b)
		}
		assert.True(t, ip.Dirty())
		assert.Equal(t, epoch.Unix(), int64(ip.Ctime))

		// 8 data zones, the single indirect block, the double indirect
		// block and three of its children
		after, _ := fs.alloc.Count(testDev)
		assert.Equal(t, before-13, after)

		// every indirect entry must name a zone of the data area too
		var entries func(zone uint32, depth int) int
		entries = func(zone uint32, depth int) int {
			bh, err := fs.cache.ReadBlock(testDev, zone)
			require.NoError(t, err)
			defer fs.cache.Release(bh)
			n := 0
			for i := 0; i < common.NR_INDIRECTS; i++ {
				z := uint32(common.GetZone(bh.Data(), i))
				if z == common.NO_BLOCK {
					continue
				}
				assert.True(t, z >= uint32(sb.Firstdatazone) && z < uint32(sb.Nzones),
					"indirect entry %d of zone %d is %d", i, zone, z)
				n++
				if depth > 1 {
					n += entries(z, depth-1)
				}
			}
			return n
		}
		assert.Equal(t, 2, entries(uint32(ip.Zone[common.NR_DZONES]), 1))
		assert.Equal(t, 7, entries(uint32(ip.Zone[common.NR_DZONES+1]), 2))

		ip.Size = common.MAX_FILE_SIZE
		fs.Truncate(ip)
		after, _ = fs.alloc.Count(testDev)
		assert.Equal(t, before, after)
		assert.Zero(t, ip.Size)
		assert.Equal(t, [common.NR_ZONES]uint16{}, ip.Zone)

		// truncating again frees nothing
		fs.Truncate(ip)
		after, _ = fs.alloc.Count(testDev)
		assert.Equal(t, before, after)
		fs.Put(ip)
	})
}

func TestTruncateSkipsSpecialFiles(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		ip := fs.newFile(t)
		ip.Mode = common.I_CHAR_SPECIAL | 0600
		ip.Zone[0] = uint16(common.MkDev(4, 0))
		fs.Truncate(ip)
		assert.Equal(t, uint16(common.MkDev(4, 0)), ip.Zone[0])
		ip.Zone[0] = 0
		fs.Put(ip)
	})
}

// A block written through a file survives a sync and a restart of the cache.
func TestWrittenBlockSurvivesRestart(t *testing.T) {
	fs := openTestFS(t, 8)
	var zone uint32
	fs.do(func() {
		ip := fs.newFile(t)
		var err error
		zone, err = fs.Bmap(ip, 0, true)
		require.NoError(t, err)
		bh, err := fs.cache.ReadBlock(testDev, zone)
		require.NoError(t, err)
		copy(bh.Data(), bytes.Repeat([]byte{0xaa}, common.BLOCK_SIZE))
		bh.MarkDirty()
		fs.cache.Release(bh)
		ip.Size = common.BLOCK_SIZE
		fs.Put(ip)
		fs.cache.SyncDev(testDev)
	})

	drv := device.NewDriver()
	t.Cleanup(func() { assert.NoError(t, drv.Close()) })
	require.NoError(t, drv.Attach(testDev, fs.disks[testDev]))
	cpu := new(sched.CPU)
	cache := bcache.New(cpu, drv, 4, 3)
	cpu.Lock()
	defer cpu.Unlock()
	bh, err := cache.ReadBlock(testDev, zone)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, common.BLOCK_SIZE), bh.Data())
	cache.Release(bh)
}

func TestInodeWrittenBack(t *testing.T) {
	fs := openTestFS(t, 8)
	var num uint16
	fs.do(func() {
		ip := fs.newFile(t)
		num = ip.Num()
		ip.Size = 1234
		fs.Put(ip)
		_, dirty := fs.Stats()
		assert.Zero(t, dirty)
		fs.cache.SyncDev(testDev)
	})

	sb := fs.supers
	var block uint32
	fs.do(func() { block = sb.Get(testDev).InodeBlock(num) })
	data := make([]byte, common.BLOCK_SIZE)
	require.NoError(t, fs.disks[testDev].ReadTo(block, data))
	var di common.Disk_Inode
	require.NoError(t, di.Decode(data, int(num-1)%common.INODES_PER_BLOCK))
	assert.Equal(t, uint16(common.I_REGULAR|0644), di.Mode)
	assert.Equal(t, uint32(1234), di.Size)
	assert.Equal(t, uint8(1), di.Nlinks)
	assert.Equal(t, uint32(epoch.Unix()), di.Mtime)
}

func TestUnlinkedInodeFreedOnLastPut(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		zones, inodes := fs.alloc.Count(testDev)
		ip := fs.newFile(t)
		_, err := fs.Bmap(ip, 10, true)
		require.NoError(t, err)
		fs.Dup(ip)

		ip.Nlinks = 0
		fs.Put(ip)
		z, i := fs.alloc.Count(testDev)
		assert.Equal(t, zones-2, z, "still referenced")
		assert.Equal(t, inodes-1, i)

		fs.Put(ip)
		z, i = fs.alloc.Count(testDev)
		assert.Equal(t, zones, z)
		assert.Equal(t, inodes, i)
		assert.Zero(t, ip.Count())
	})
}

func TestFreeLinkedInodePanics(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.do(func() {
		ip := fs.newFile(t)
		assert.Panics(t, func() { fs.Free(ip) })
		fs.Dup(ip)
		ip.Nlinks = 0
		assert.Panics(t, func() { fs.Free(ip) })
	})
}

func TestGetCrossesMountPoint(t *testing.T) {
	fs := openTestFS(t, 8)
	sb := fs.mount(t, otherDev)
	fs.do(func() {
		dir, err := fs.New(context.Background(), testDev)
		require.NoError(t, err)
		dir.Mode = common.I_DIRECTORY | 0755
		dir.SetMounted(true)
		sb.Imount = dir

		ip, err := fs.Get(testDev, dir.Num())
		require.NoError(t, err)
		assert.Equal(t, otherDev, ip.Dev())
		assert.Equal(t, uint16(common.ROOT_INO), ip.Num())
		assert.Equal(t, 1, dir.Count())
		fs.Put(ip)

		sb.Imount = nil
		dir.SetMounted(false)
		fs.Put(dir)
	})
}

func TestNewUsesTaskCredentials(t *testing.T) {
	fs := openTestFS(t, 8)
	ctx := sched.WithTask(context.Background(), &sched.Task{Pid: 7, Euid: 100, Egid: 20})
	fs.do(func() {
		ip, err := fs.New(ctx, testDev)
		require.NoError(t, err)
		assert.Equal(t, uint16(100), ip.Uid)
		assert.Equal(t, uint8(20), ip.Gid)
		assert.Equal(t, uint8(1), ip.Nlinks)
		assert.True(t, ip.Dirty())
		fs.Put(ip)
	})
}

// With every slot in use a caller sleeps until an inode is released.
func TestGetWaitsForFreeSlot(t *testing.T) {
	fs := openTestFS(t, 2)
	var root, file *Inode
	fs.do(func() {
		var err error
		root, err = fs.Get(testDev, common.ROOT_INO)
		require.NoError(t, err)
		file = fs.newFile(t)
	})

	got := make(chan *Inode)
	go fs.do(func() {
		ip, err := fs.Get(testDev, common.ROOT_INO)
		assert.NoError(t, err)
		got <- ip
	})
	require.Eventually(t, func() bool {
		var n int
		fs.do(func() { n = fs.inodeWait.Len() })
		return n == 1
	}, time.Second, time.Millisecond)

	fs.do(func() { fs.Put(file) })
	ip := <-got
	assert.Same(t, root, ip)
	fs.do(func() {
		assert.Equal(t, 2, root.Count())
		fs.Put(ip)
		fs.Put(root)
	})
}

func TestPipe(t *testing.T) {
	fs := openTestFS(t, 8)
	ctx := context.Background()
	fs.do(func() {
		ip, err := fs.GetPipeInode()
		require.NoError(t, err)
		assert.True(t, ip.IsPipe())
		assert.Equal(t, 2, ip.Count())

		n, err := fs.WritePipe(ctx, ip, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		buf := make([]byte, 5)
		n, err = fs.ReadPipe(ctx, ip, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))

		// writer gone: a read returns what is there
		_, err = fs.WritePipe(ctx, ip, []byte("ab"))
		require.NoError(t, err)
		fs.Put(ip)
		n, err = fs.ReadPipe(ctx, ip, make([]byte, 10))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		fs.Put(ip)
		assert.Empty(t, fs.pages.pages)
	})
}

func TestPipeFullWithoutReader(t *testing.T) {
	fs := openTestFS(t, 8)
	ctx := context.Background()
	fs.do(func() {
		ip, err := fs.GetPipeInode()
		require.NoError(t, err)
		n, err := fs.WritePipe(ctx, ip, make([]byte, common.PIPE_SIZE-1))
		require.NoError(t, err)
		assert.Equal(t, common.PIPE_SIZE-1, n)
		fs.Put(ip)

		_, err = fs.WritePipe(ctx, ip, []byte("x"))
		assert.True(t, errors.Is(err, common.EPIPE), "got %v", err)
		fs.Put(ip)
	})
}

func TestPipeReaderWakesOnWrite(t *testing.T) {
	fs := openTestFS(t, 8)
	ctx := context.Background()
	var ip *Inode
	fs.do(func() {
		var err error
		ip, err = fs.GetPipeInode()
		require.NoError(t, err)
	})

	done := make(chan string)
	go fs.do(func() {
		buf := make([]byte, 5)
		n, err := fs.ReadPipe(ctx, ip, buf)
		assert.NoError(t, err)
		done <- string(buf[:n])
	})
	for _, s := range []string{"hel", "lo"} {
		fs.do(func() {
			_, err := fs.WritePipe(ctx, ip, []byte(s))
			assert.NoError(t, err)
		})
	}
	assert.Equal(t, "hello", <-done)
	fs.do(func() {
		fs.Put(ip)
		fs.Put(ip)
	})
}

func TestPipeReadInterrupted(t *testing.T) {
	fs := openTestFS(t, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	fs.do(func() {
		ip, err := fs.GetPipeInode()
		require.NoError(t, err)
		_, err = fs.ReadPipe(ctx, ip, make([]byte, 1))
		assert.True(t, errors.Is(err, common.EINTR), "got %v", err)
		fs.Put(ip)
		fs.Put(ip)
	})
}

func TestInvalidateDetachesInodes(t *testing.T) {
	fs := openTestFS(t, 8)
	fs.mount(t, otherDev)
	fs.do(func() {
		ip, err := fs.Get(otherDev, common.ROOT_INO)
		require.NoError(t, err)
		assert.True(t, fs.Busy(otherDev, nil))
		assert.False(t, fs.Busy(otherDev, ip))

		ip.MarkDirty()
		fs.InvalidateInodes(otherDev)
		assert.Equal(t, common.NODEV, ip.Dev())
		assert.False(t, ip.Dirty())
		fs.Put(ip)
		assert.False(t, fs.Busy(otherDev, nil))
	})
}
