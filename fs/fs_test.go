package fs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/config"
	"github.com/jnwhiteh/minixkern/device"
	"github.com/jnwhiteh/minixkern/mkfs"
	"github.com/jnwhiteh/minixkern/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rootDev  = common.MkDev(3, 1)
	otherDev = common.MkDev(3, 2)

	ctx = context.Background()
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NrBuffers = 32
	cfg.NrHash = 7
	cfg.NrInodes = 32
	cfg.NrSuper = 4
	cfg.NrFile = 16
	cfg.HighMem = cfg.StartMem + 32*common.PAGE_SIZE
	cfg.LogLevel = "warn"
	return cfg
}

func formatDisk(t *testing.T, blocks uint32, inodes int) (device.Disk, common.Disk_Superblock) {
	disk := device.NewMemDisk(blocks)
	sb, err := mkfs.Format(disk, inodes, time.Unix(0, 0))
	require.NoError(t, err)
	return disk, sb
}

// boot brings up a system with disk mounted as its root.
func boot(t *testing.T, disk device.Disk) *FileSystem {
	fs, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, fs.driver.Close()) })
	require.NoError(t, fs.AttachDevice(rootDev, disk))
	require.NoError(t, fs.MountRoot(rootDev))
	return fs
}

func openTestFS(t *testing.T) *FileSystem {
	disk, _ := formatDisk(t, 256, 64)
	return boot(t, disk)
}

func writeFile(t *testing.T, fs *FileSystem, path string, data []byte) {
	f, err := fs.Open(ctx, path, common.O_CREAT|common.O_WRONLY|common.O_TRUNC, 0644)
	require.NoError(t, err)
	n, err := fs.Write(ctx, f, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fs.Close(f))
}

func readFile(t *testing.T, fs *FileSystem, path string) []byte {
	st, err := fs.Stat(path)
	require.NoError(t, err)
	f, err := fs.Open(ctx, path, common.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, st.Size+100)
	n, err := fs.Read(ctx, f, buf)
	require.NoError(t, err)
	require.NoError(t, fs.Close(f))
	return buf[:n]
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestMountRootCountsFree(t *testing.T) {
	disk, sb := formatDisk(t, 256, 64)
	fs := boot(t, disk)
	zones, inodes, err := fs.Free(rootDev)
	require.NoError(t, err)
	assert.Equal(t, int(sb.Nzones)-int(sb.Firstdatazone)-1, zones)
	assert.Equal(t, int(sb.Ninodes)-1, inodes)

	err = fs.MountRoot(rootDev)
	assert.True(t, errors.Is(err, common.EBUSY), "got %v", err)
	_, _, err = fs.Free(otherDev)
	assert.True(t, errors.Is(err, common.ENODEV), "got %v", err)
}

func TestFileWriteRead(t *testing.T) {
	fs := openTestFS(t)
	data := pattern(3000)
	writeFile(t, fs, "/a", data)
	assert.Equal(t, data, readFile(t, fs, "/a"))

	st, err := fs.Stat("/a")
	require.NoError(t, err)
	assert.EqualValues(t, 3000, st.Size)
	assert.EqualValues(t, 1, st.Nlinks)
	assert.Equal(t, uint16(common.I_REGULAR|0644), st.Mode)

	names, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "a"}, names)
}

func TestHolesReadAsZero(t *testing.T) {
	fs := openTestFS(t)
	before, _, err := fs.Free(rootDev)
	require.NoError(t, err)

	f, err := fs.Open(ctx, "/sparse", common.O_CREAT|common.O_RDWR, 0600)
	require.NoError(t, err)
	pos, err := fs.Seek(f, 10*common.BLOCK_SIZE, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 10*common.BLOCK_SIZE, pos)
	_, err = fs.Write(ctx, f, []byte("x"))
	require.NoError(t, err)
	assert.EqualValues(t, 10*common.BLOCK_SIZE+1, f.Pos())

	// the data block and the single indirect block
	after, _, err := fs.Free(rootDev)
	require.NoError(t, err)
	assert.Equal(t, before-2, after)

	_, err = fs.Seek(f, 0, 0)
	require.NoError(t, err)
	buf := make([]byte, 20*common.BLOCK_SIZE)
	n, err := fs.Read(ctx, f, buf)
	require.NoError(t, err)
	require.Equal(t, 10*common.BLOCK_SIZE+1, n)
	assert.Equal(t, make([]byte, 10*common.BLOCK_SIZE), buf[:n-1])
	assert.Equal(t, byte('x'), buf[n-1])

	n, err = fs.Read(ctx, f, buf)
	assert.NoError(t, err)
	assert.Zero(t, n, "read at end of file")
	require.NoError(t, fs.Close(f))
}

func TestAppendLeavesPosition(t *testing.T) {
	fs := openTestFS(t)
	writeFile(t, fs, "/log", []byte("abc"))

	f, err := fs.Open(ctx, "/log", common.O_WRONLY|common.O_APPEND, 0)
	require.NoError(t, err)
	_, err = fs.Write(ctx, f, []byte("de"))
	require.NoError(t, err)
	assert.Zero(t, f.Pos())
	require.NoError(t, fs.Close(f))

	assert.Equal(t, "abcde", string(readFile(t, fs, "/log")))
}

func TestOpenErrors(t *testing.T) {
	fs := openTestFS(t)
	_, err := fs.Open(ctx, "/missing", common.O_RDONLY, 0)
	assert.True(t, errors.Is(err, common.ENOENT), "got %v", err)
	_, err = fs.Open(ctx, "/", common.O_WRONLY, 0)
	assert.True(t, errors.Is(err, common.EISDIR), "got %v", err)
	_, err = fs.Open(ctx, "", common.O_RDONLY, 0)
	assert.True(t, errors.Is(err, common.ENOENT), "got %v", err)

	writeFile(t, fs, "/f", []byte("data"))
	_, err = fs.Open(ctx, "/f/g", common.O_RDONLY, 0)
	assert.True(t, errors.Is(err, common.ENOTDIR), "got %v", err)

	f, err := fs.Open(ctx, "/f", common.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fs.Read(ctx, f, make([]byte, 4))
	assert.True(t, errors.Is(err, common.EBADF), "got %v", err)
	require.NoError(t, fs.Close(f))
	assert.True(t, errors.Is(fs.Close(f), common.EBADF))

	var open []*File
	for i := 0; i < 16; i++ {
		f, err := fs.Open(ctx, "/f", common.O_RDONLY, 0)
		require.NoError(t, err)
		open = append(open, f)
	}
	_, err = fs.Open(ctx, "/f", common.O_RDONLY, 0)
	assert.True(t, errors.Is(err, common.ENFILE), "got %v", err)
	assert.Equal(t, 16, fs.Stats().Files)
	for _, f := range open {
		require.NoError(t, fs.Close(f))
	}
	assert.Zero(t, fs.Stats().Files)
}

func TestDupSharesPosition(t *testing.T) {
	fs := openTestFS(t)
	writeFile(t, fs, "/f", []byte("0123456789"))
	f, err := fs.Open(ctx, "/f", common.O_RDONLY, 0)
	require.NoError(t, err)
	g, err := fs.Dup(f)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = fs.Read(ctx, f, buf)
	require.NoError(t, err)
	_, err = fs.Read(ctx, g, buf)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(buf))

	require.NoError(t, fs.Close(f))
	_, err = fs.Read(ctx, g, buf[:2])
	require.NoError(t, err, "still open through the duplicate")
	require.NoError(t, fs.Close(g))
}

func TestTruncateOnOpen(t *testing.T) {
	fs := openTestFS(t)
	before, _, err := fs.Free(rootDev)
	require.NoError(t, err)
	writeFile(t, fs, "/f", pattern(5*common.BLOCK_SIZE))
	used, _, err := fs.Free(rootDev)
	require.NoError(t, err)
	assert.Equal(t, before-5, used)

	f, err := fs.Open(ctx, "/f", common.O_WRONLY|common.O_TRUNC, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Close(f))
	st, err := fs.Stat("/f")
	require.NoError(t, err)
	assert.Zero(t, st.Size)
	after, _, err := fs.Free(rootDev)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUnlinkFreesOnLastClose(t *testing.T) {
	fs := openTestFS(t)
	zones, inodes, err := fs.Free(rootDev)
	require.NoError(t, err)
	writeFile(t, fs, "/f", pattern(2*common.BLOCK_SIZE))

	f, err := fs.Open(ctx, "/f", common.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink("/f"))
	_, _, err = fs.Lookup("/f")
	assert.True(t, errors.Is(err, common.ENOENT), "got %v", err)

	// the open file keeps the inode and its blocks
	buf := make([]byte, 2*common.BLOCK_SIZE)
	n, err := fs.Read(ctx, f, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, pattern(len(buf)), buf)
	z, i, err := fs.Free(rootDev)
	require.NoError(t, err)
	assert.Equal(t, zones-2, z)
	assert.Equal(t, inodes-1, i)

	require.NoError(t, fs.Close(f))
	z, i, err = fs.Free(rootDev)
	require.NoError(t, err)
	assert.Equal(t, zones, z)
	assert.Equal(t, inodes, i)

	assert.True(t, errors.Is(fs.Unlink("/f"), common.ENOENT))
}

func TestMkdirRmdir(t *testing.T) {
	fs := openTestFS(t)
	require.NoError(t, fs.Mkdir(ctx, "/d", 0755))
	assert.True(t, errors.Is(fs.Mkdir(ctx, "/d", 0755), common.EEXIST))

	st, err := fs.Stat("/d")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Nlinks)
	assert.Equal(t, uint16(common.I_DIRECTORY|0755), st.Mode)
	root, err := fs.Stat("/")
	require.NoError(t, err)
	assert.EqualValues(t, 3, root.Nlinks)

	writeFile(t, fs, "/d/f", []byte("x"))
	dev, num, err := fs.Lookup("/d/..")
	require.NoError(t, err)
	assert.Equal(t, rootDev, dev)
	assert.EqualValues(t, common.ROOT_INO, num)
	_, num, err = fs.Lookup("/..")
	require.NoError(t, err)
	assert.EqualValues(t, common.ROOT_INO, num, "the root is its own parent")

	assert.True(t, errors.Is(fs.Rmdir("/d"), common.ENOTEMPTY))
	assert.True(t, errors.Is(fs.Unlink("/d"), common.EPERM))
	require.NoError(t, fs.Unlink("/d/f"))
	require.NoError(t, fs.Rmdir("/d"))
	root, err = fs.Stat("/")
	require.NoError(t, err)
	assert.EqualValues(t, 2, root.Nlinks)
	assert.True(t, errors.Is(fs.Rmdir("/d"), common.ENOENT))
}

func TestNewFilesTakeTaskCredentials(t *testing.T) {
	fs := openTestFS(t)
	tctx := sched.WithTask(ctx, &sched.Task{Pid: 5, Euid: 7, Egid: 3})
	f, err := fs.Open(tctx, "/mine", common.O_CREAT|common.O_WRONLY, 0600)
	require.NoError(t, err)
	require.NoError(t, fs.Close(f))
	st, err := fs.Stat("/mine")
	require.NoError(t, err)
	assert.EqualValues(t, 7, st.Uid)
	assert.EqualValues(t, 3, st.Gid)
}

func TestMountAndUmount(t *testing.T) {
	fs := openTestFS(t)
	disk, _ := formatDisk(t, 128, 32)
	require.NoError(t, fs.AttachDevice(otherDev, disk))
	require.NoError(t, fs.Mkdir(ctx, "/dev", 0755))
	require.NoError(t, fs.Mknod(ctx, "/dev/hd1", 0600, rootDev))
	require.NoError(t, fs.Mknod(ctx, "/dev/hd2", 0600, otherDev))
	require.NoError(t, fs.Mkdir(ctx, "/mnt", 0755))
	_, mnt, err := fs.Lookup("/mnt")
	require.NoError(t, err)

	assert.True(t, errors.Is(fs.Mount("/mnt", "/mnt"), common.ENOTBLK))
	assert.True(t, errors.Is(fs.Mount("/dev/hd2", "/"), common.EBUSY))
	require.NoError(t, fs.Mount("/dev/hd2", "/mnt"))
	assert.True(t, errors.Is(fs.Mount("/dev/hd2", "/mnt"), common.EBUSY))

	dev, num, err := fs.Lookup("/mnt")
	require.NoError(t, err)
	assert.Equal(t, otherDev, dev)
	assert.EqualValues(t, common.ROOT_INO, num)
	dev, num, err = fs.Lookup("/mnt/..")
	require.NoError(t, err)
	assert.Equal(t, rootDev, dev)
	assert.EqualValues(t, common.ROOT_INO, num)

	writeFile(t, fs, "/mnt/f", []byte("on the other disk"))
	dev, _, err = fs.Lookup("/mnt/f")
	require.NoError(t, err)
	assert.Equal(t, otherDev, dev)

	f, err := fs.Open(ctx, "/mnt/f", common.O_RDONLY, 0)
	require.NoError(t, err)
	assert.True(t, errors.Is(fs.Umount("/dev/hd2"), common.EBUSY))
	require.NoError(t, fs.Close(f))
	assert.True(t, errors.Is(fs.Umount("/dev/hd1"), common.EBUSY), "root device")
	require.NoError(t, fs.Umount("/dev/hd2"))
	assert.True(t, errors.Is(fs.Umount("/dev/hd2"), common.ENOENT))

	dev, num, err = fs.Lookup("/mnt")
	require.NoError(t, err)
	assert.Equal(t, rootDev, dev)
	assert.Equal(t, mnt, num)
	_, _, err = fs.Lookup("/mnt/f")
	assert.True(t, errors.Is(err, common.ENOENT), "got %v", err)

	require.NoError(t, fs.Mount("/dev/hd2", "/mnt"))
	assert.Equal(t, "on the other disk", string(readFile(t, fs, "/mnt/f")))
}

func TestBlockDevice(t *testing.T) {
	fs := openTestFS(t)
	raw := device.NewMemDisk(16)
	for b := uint32(0); b < 16; b++ {
		require.NoError(t, raw.Write(b, bytes.Repeat([]byte{byte(b)}, common.BLOCK_SIZE)))
	}
	require.NoError(t, fs.AttachDevice(otherDev, raw))
	require.NoError(t, fs.Mknod(ctx, "/raw", 0600, otherDev))
	f, err := fs.Open(ctx, "/raw", common.O_RDWR, 0)
	require.NoError(t, err)

	_, err = fs.Seek(f, common.BLOCK_SIZE-4, 0)
	require.NoError(t, err)
	buf := make([]byte, 10)
	n, err := fs.Read(ctx, f, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 1, 1, 1, 1, 1}, buf)
	// blocks 0 and 1, and two blocks ahead
	settled := func(want uint64) func() bool {
		return func() bool {
			reads, _ := fs.Driver().Stats(otherDev)
			return reads == want
		}
	}
	assert.Eventually(t, settled(4), time.Second, time.Millisecond)

	// blocks 2 and 3 were read ahead
	buf = make([]byte, 2*common.BLOCK_SIZE)
	_, err = fs.Seek(f, 2*common.BLOCK_SIZE, 0)
	require.NoError(t, err)
	_, err = fs.Read(ctx, f, buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, common.BLOCK_SIZE), buf[:common.BLOCK_SIZE])
	assert.Equal(t, bytes.Repeat([]byte{3}, common.BLOCK_SIZE), buf[common.BLOCK_SIZE:])

	assert.Eventually(t, settled(6), time.Second, time.Millisecond)

	// a whole block is written without reading it
	_, err = fs.Seek(f, 10*common.BLOCK_SIZE, 0)
	require.NoError(t, err)
	_, err = fs.Write(ctx, f, bytes.Repeat([]byte{0xaa}, common.BLOCK_SIZE))
	require.NoError(t, err)
	reads, _ := fs.Driver().Stats(otherDev)
	assert.EqualValues(t, 6, reads)

	_, err = fs.Seek(f, 13*common.BLOCK_SIZE+5, 0)
	require.NoError(t, err)
	_, err = fs.Write(ctx, f, []byte("hello"))
	require.NoError(t, err)

	_, err = fs.Seek(f, 16*common.BLOCK_SIZE, 0)
	require.NoError(t, err)
	n, err = fs.Read(ctx, f, buf)
	assert.NoError(t, err)
	assert.Zero(t, n, "end of device")
	_, err = fs.Write(ctx, f, buf)
	assert.True(t, errors.Is(err, common.ENOSPC), "got %v", err)
	require.NoError(t, fs.Close(f))

	require.NoError(t, fs.Sync())
	block := make([]byte, common.BLOCK_SIZE)
	require.NoError(t, raw.ReadTo(10, block))
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, common.BLOCK_SIZE), block)
	require.NoError(t, raw.ReadTo(13, block))
	assert.Equal(t, []byte{13, 13, 13, 13, 13, 'h', 'e', 'l', 'l', 'o', 13}, block[:11])
}

func TestPipe(t *testing.T) {
	fs := openTestFS(t)
	free := fs.Stats().Memory.Free
	r, w, err := fs.Pipe()
	require.NoError(t, err)
	assert.Equal(t, free-1, fs.Stats().Memory.Free)

	n, err := fs.Write(ctx, w, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = fs.Write(ctx, r, []byte("x"))
	assert.True(t, errors.Is(err, common.EBADF), "got %v", err)
	_, err = fs.Seek(r, 0, 0)
	assert.True(t, errors.Is(err, common.EPIPE), "got %v", err)

	// a read sleeps until its buffer is full while a writer remains
	buf := make([]byte, 16)
	n, err = fs.Read(ctx, r, buf[:5])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = fs.Write(ctx, w, []byte("ab"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(w))
	n, err = fs.Read(ctx, r, buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]), "short read once the writer is gone")
	n, err = fs.Read(ctx, r, buf)
	assert.NoError(t, err)
	assert.Zero(t, n, "no writer left")
	require.NoError(t, fs.Close(r))
	assert.Equal(t, free, fs.Stats().Memory.Free)
}

func TestPipeReaderReturnsWhenWriterCloses(t *testing.T) {
	fs := openTestFS(t)
	r, w, err := fs.Pipe()
	require.NoError(t, err)

	done := make(chan string)
	go func() {
		buf := make([]byte, 16)
		n, err := fs.Read(ctx, r, buf)
		assert.NoError(t, err)
		done <- string(buf[:n])
	}()
	_, err = fs.Write(ctx, w, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(w))
	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("reader still asleep after the writer closed")
	}
	require.NoError(t, fs.Close(r))
}

func TestExecDemandLoads(t *testing.T) {
	fs := openTestFS(t)
	image := append(make([]byte, common.BLOCK_SIZE), pattern(3000)...)
	writeFile(t, fs, "/prog", image)

	p, err := fs.Exec(ctx, "/prog")
	require.NoError(t, err)
	assert.EqualValues(t, 3000, p.EndData)

	mem := fs.Memory()
	buf := make([]byte, common.PAGE_SIZE)
	require.NoError(t, mem.ReadUser(p, 0, buf))
	assert.Equal(t, pattern(3000), buf[:3000])
	assert.Equal(t, make([]byte, common.PAGE_SIZE-3000), buf[3000:])

	child, err := fs.Fork(p)
	require.NoError(t, err)
	got := make([]byte, 3000)
	require.NoError(t, mem.ReadUser(child, 0, got))
	assert.Equal(t, pattern(3000), got)

	assert.True(t, errors.Is(fs.Shutdown(), common.EBUSY))
	fs.Exit(child)
	fs.Exit(p)

	_, err = fs.Exec(ctx, "/")
	assert.True(t, errors.Is(err, common.EACCES), "got %v", err)
	writeFile(t, fs, "/short", []byte("#!"))
	_, err = fs.Exec(ctx, "/short")
	assert.True(t, errors.Is(err, common.ENOEXEC), "got %v", err)
	assert.Zero(t, fs.Stats().Inodes-1, "only the root inode is held")
}

func TestShutdownPersists(t *testing.T) {
	disk, _ := formatDisk(t, 256, 64)
	fs := boot(t, disk)
	require.NoError(t, fs.Mkdir(ctx, "/etc", 0755))
	writeFile(t, fs, "/etc/motd", pattern(9000))

	f, err := fs.Open(ctx, "/etc/motd", common.O_RDONLY, 0)
	require.NoError(t, err)
	assert.True(t, errors.Is(fs.Shutdown(), common.EBUSY))
	require.NoError(t, fs.Close(f))
	require.NoError(t, fs.Shutdown())

	fs = boot(t, disk)
	assert.Equal(t, pattern(9000), readFile(t, fs, "/etc/motd"))
	names, err := fs.ReadDir("/etc")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "motd"}, names)
}

func TestSeekWhence(t *testing.T) {
	fs := openTestFS(t)
	writeFile(t, fs, "/f", pattern(100))
	f, err := fs.Open(ctx, "/f", common.O_RDONLY, 0)
	require.NoError(t, err)
	defer fs.Close(f)

	pos, err := fs.Seek(f, -10, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 90, pos)
	pos, err = fs.Seek(f, 5, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 95, pos)

	buf := make([]byte, 10)
	n, err := fs.Read(ctx, f, buf)
	require.NoError(t, err)
	assert.Equal(t, pattern(100)[95:], buf[:n])

	_, err = fs.Seek(f, -200, 1)
	assert.True(t, errors.Is(err, common.EINVAL))
	_, err = fs.Seek(f, 0, 3)
	assert.True(t, errors.Is(err, common.EINVAL))
	assert.EqualValues(t, 100, f.Pos())

	_, err = fs.Write(ctx, f, []byte("x"))
	assert.True(t, errors.Is(err, common.EBADF))
}

func TestLookup(t *testing.T) {
	fs := openTestFS(t)
	require.NoError(t, fs.Mkdir(ctx, "/d", 0755))
	writeFile(t, fs, "/d/f", []byte("abc"))

	dev, num, err := fs.Lookup("/d/f")
	require.NoError(t, err)
	assert.Equal(t, rootDev, dev)
	_, again, err := fs.Lookup("//d/./f")
	require.NoError(t, err)
	assert.Equal(t, num, again)

	_, root, err := fs.Lookup("/d/..")
	require.NoError(t, err)
	assert.EqualValues(t, common.ROOT_INO, root)
	_, root, err = fs.Lookup("/..")
	require.NoError(t, err)
	assert.EqualValues(t, common.ROOT_INO, root)

	_, _, err = fs.Lookup("/d/f/g")
	assert.True(t, errors.Is(err, common.ENOTDIR))
	_, _, err = fs.Lookup("")
	assert.True(t, errors.Is(err, common.ENOENT))
}
