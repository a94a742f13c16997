package fs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/inode"
)

// A File is an open instance of an inode, shared by everyone it was
// duplicated to. Slots of the file table are free while count is zero.
type File struct {
	mode  int // O_RDONLY, O_WRONLY or O_RDWR
	flags int
	count int
	ip    *inode.Inode
	pos   uint32
}

func (f *File) Pos() uint32 { return f.pos }

func (f *File) readable() bool { return f.mode != common.O_WRONLY }
func (f *File) writable() bool { return f.mode != common.O_RDONLY }

func (f *File) String() string {
	if f.ip == nil {
		return "closed file"
	}
	return fmt.Sprintf("file on %s at %d", f.ip, f.pos)
}

// getFiles claims n free slots of the file table.
func (fs *FileSystem) getFiles(n int) ([]*File, error) {
	var got []*File
	for i := range fs.files {
		if len(got) == n {
			break
		}
		if fs.files[i].count == 0 {
			got = append(got, &fs.files[i])
		}
	}
	if len(got) < n {
		return nil, common.ENFILE
	}
	for _, f := range got {
		*f = File{count: 1}
	}
	return got, nil
}

func (fs *FileSystem) checkFile(f *File) error {
	if f == nil || f.count == 0 || f.ip == nil {
		return common.EBADF
	}
	return nil
}

// Open opens the file at path. With O_CREAT a missing regular file is
// created with the permission bits of mode, and O_TRUNC empties it.
func (fs *FileSystem) Open(ctx context.Context, path string, flags int, mode uint16) (*File, error) {
	fs.lock()
	defer fs.unlock()
	dir, name, err := fs.getDir(path)
	if err != nil {
		return nil, err
	}
	var ip *inode.Inode
	if name == "" {
		ip = dir
	} else {
		ip, err = fs.lookup(dir, name)
		if errors.Is(err, common.ENOENT) && flags&common.O_CREAT != 0 {
			ip, err = fs.newNode(ctx, dir, name, common.I_REGULAR|mode&common.RWX_MODES)
		}
		fs.itable.Put(dir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	acc := flags & common.O_ACCMODE
	if ip.IsDir() && (acc != common.O_RDONLY || flags&common.O_TRUNC != 0) {
		fs.itable.Put(ip)
		return nil, fmt.Errorf("%s: %w", path, common.EISDIR)
	}
	if flags&common.O_TRUNC != 0 && ip.IsRegular() {
		fs.itable.Truncate(ip)
	}
	files, err := fs.getFiles(1)
	if err != nil {
		fs.itable.Put(ip)
		return nil, err
	}
	f := files[0]
	f.mode, f.flags, f.ip = acc, flags, ip
	return f, nil
}

// Dup takes another reference to an open file, sharing its position.
func (fs *FileSystem) Dup(f *File) (*File, error) {
	fs.lock()
	defer fs.unlock()
	if err := fs.checkFile(f); err != nil {
		return nil, err
	}
	f.count++
	return f, nil
}

// Close drops a reference to f, and the inode with the last one.
func (fs *FileSystem) Close(f *File) error {
	fs.lock()
	defer fs.unlock()
	if err := fs.checkFile(f); err != nil {
		return err
	}
	if f.count--; f.count > 0 {
		return nil
	}
	ip := f.ip
	*f = File{}
	fs.itable.Put(ip)
	return nil
}

// Seek sets the position of f. whence is 0, 1 or 2 for offsets relative to
// the start, the current position and the end of the file.
func (fs *FileSystem) Seek(f *File, offset int64, whence int) (uint32, error) {
	fs.lock()
	defer fs.unlock()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	if f.ip.IsPipe() {
		return 0, common.EPIPE
	}
	var pos int64
	switch whence {
	case 0:
		pos = offset
	case 1:
		pos = int64(f.pos) + offset
	case 2:
		pos = int64(f.ip.Size) + offset
	default:
		return 0, common.EINVAL
	}
	if pos < 0 || pos > 0xffffffff {
		return 0, common.EINVAL
	}
	f.pos = uint32(pos)
	return f.pos, nil
}

// Read reads from the current position of f, which advances.
func (fs *FileSystem) Read(ctx context.Context, f *File, buf []byte) (int, error) {
	fs.lock()
	defer fs.unlock()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	if !f.readable() {
		return 0, common.EBADF
	}
	if len(buf) == 0 {
		return 0, nil
	}
	ip := f.ip
	switch {
	case ip.IsPipe():
		return fs.itable.ReadPipe(ctx, ip, buf)
	case ip.IsBlock():
		return fs.blockRead(common.Dev(ip.Zone[0]), &f.pos, buf)
	case ip.IsDir(), ip.IsRegular():
		if f.pos >= ip.Size {
			return 0, nil
		}
		if left := ip.Size - f.pos; uint32(len(buf)) > left {
			buf = buf[:left]
		}
		return fs.fileRead(ip, f, buf)
	}
	log.Warnf("(Read)inode->i_mode=%06o", ip.Mode)
	return 0, common.EINVAL
}

// Write writes at the current position of f, or at the end of the file for
// O_APPEND.
func (fs *FileSystem) Write(ctx context.Context, f *File, buf []byte) (int, error) {
	fs.lock()
	defer fs.unlock()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, common.EBADF
	}
	if len(buf) == 0 {
		return 0, nil
	}
	ip := f.ip
	switch {
	case ip.IsPipe():
		return fs.itable.WritePipe(ctx, ip, buf)
	case ip.IsBlock():
		return fs.blockWrite(common.Dev(ip.Zone[0]), &f.pos, buf)
	case ip.IsRegular():
		return fs.fileWrite(ip, f, buf)
	}
	log.Warnf("(Write)inode->i_mode=%06o", ip.Mode)
	return 0, common.EINVAL
}

// Pipe returns the read and the write end of a new pipe.
func (fs *FileSystem) Pipe() (r, w *File, err error) {
	fs.lock()
	defer fs.unlock()
	files, err := fs.getFiles(2)
	if err != nil {
		return nil, nil, err
	}
	ip, err := fs.itable.GetPipeInode()
	if err != nil {
		*files[0], *files[1] = File{}, File{}
		return nil, nil, err
	}
	r, w = files[0], files[1]
	r.mode, r.ip = common.O_RDONLY, ip
	w.mode, w.ip = common.O_WRONLY, ip
	return r, w, nil
}
