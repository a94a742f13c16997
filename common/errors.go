package common

import "errors"

// The following string constants are taken from the Minix 3.1.0 source,
// specifically from lib/ansi/errlist.c.

var (
	EPERM     = errors.New("Operation not permitted")
	ENOENT    = errors.New("No such file or directory")
	EINTR     = errors.New("Interrupted function call")
	EIO       = errors.New("Input/output error")
	ENXIO     = errors.New("No such device or address")
	ENOEXEC   = errors.New("Exec format error")
	EBADF     = errors.New("Bad file number")
	EAGAIN    = errors.New("Resource temporarily unavailable")
	ENOMEM    = errors.New("Not enough space")
	EACCES    = errors.New("Permission denied")
	EFAULT    = errors.New("Bad address")
	ENOTBLK   = errors.New("Extension: not a block special file")
	EBUSY     = errors.New("Resource busy")
	EEXIST    = errors.New("File exists")
	EXDEV     = errors.New("Cross-device link")
	ENODEV    = errors.New("No such device")
	ENOTDIR   = errors.New("Not a directory")
	EISDIR    = errors.New("Is a directory")
	EINVAL    = errors.New("Invalid argument")
	ENFILE    = errors.New("File table overflow")
	EMFILE    = errors.New("Too many open files")
	EFBIG     = errors.New("File too large")
	ENOSPC    = errors.New("No space left on device")
	EMLINK    = errors.New("Too many links")
	EPIPE     = errors.New("Broken pipe")
	ENOTEMPTY = errors.New("Directory not empty")
)
