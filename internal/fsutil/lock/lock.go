// Package lock provides flock-based exclusive locking, used to serialize
// backing-device attach/detach against concurrent storage core invocations
// touching /dev.
package lock

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Exclusive applies a blocking exclusive lock on path.
func Exclusive(path string) (fd int, err error) {
	fd, err = unix.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return fd, err
	}
	if err = unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return fd, err
	}
	return fd, nil
}

// TryExclusive applies a non-blocking exclusive lock on path.
func TryExclusive(path string) (fd int, acquired bool, err error) {
	fd, err = unix.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return fd, false, err
	}
	if err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return fd, false, nil
		}
		return fd, false, err
	}
	return fd, true, nil
}

// Release releases the lock held on fd and closes it.
func Release(fd int) error {
	defer unix.Close(fd)
	return unix.Flock(fd, unix.LOCK_UN)
}

var (
	// ErrByteRangeAcquired is returned when a file byte-range is already
	// held by another lock holder.
	ErrByteRangeAcquired = errors.New("file byte-range lock is already acquired")
	// ErrLockNotSupported is returned when the underlying filesystem does
	// not support byte-range locking.
	ErrLockNotSupported = errors.New("file lock is not supported")
)

// ByteRange is a file byte-range lock, used to serialize access to a single
// backing file (e.g. a loopback sparse file) without locking the whole
// directory.
type ByteRange struct {
	fd    int
	start int64
	len   int64
}

// NewByteRange returns a byte-range lock descriptor over fd.
func NewByteRange(fd int, start, length int64) *ByteRange {
	return &ByteRange{fd, start, length}
}

func (r *ByteRange) flock(lockType int16, cmd int) error {
	lk := &unix.Flock_t{
		Type:   lockType,
		Whence: io.SeekStart,
		Start:  r.start,
		Len:    r.len,
	}
	err := unix.FcntlFlock(uintptr(r.fd), cmd, lk)
	if err == unix.EAGAIN || err == unix.EACCES {
		return ErrByteRangeAcquired
	} else if err == unix.ENOLCK {
		return ErrLockNotSupported
	}
	return err
}

// Lock places a non-blocking write lock on the byte-range.
func (r *ByteRange) Lock() error { return r.flock(unix.F_WRLCK, unix.F_SETLK) }

// Lockw places a blocking write lock on the byte-range.
func (r *ByteRange) Lockw() error { return r.flock(unix.F_WRLCK, unix.F_SETLKW) }

// RLock places a non-blocking read lock on the byte-range.
func (r *ByteRange) RLock() error { return r.flock(unix.F_RDLCK, unix.F_SETLK) }

// RLockw places a blocking read lock on the byte-range.
func (r *ByteRange) RLockw() error { return r.flock(unix.F_RDLCK, unix.F_SETLKW) }

// Unlock releases the byte-range lock.
func (r *ByteRange) Unlock() error { return r.flock(unix.F_UNLCK, unix.F_SETLK) }
