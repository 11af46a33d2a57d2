// Package loopdev attaches a regular file to a kernel loop device, the
// mechanism backing both the Loopback and Ramdisk BackingDevice variants.
// Ported from the teacher's pkg/util/loop, which performs the identical
// attach/share/retry dance for container SIF/squashfs images; here it
// attaches cryptohome sparse files and tmpfs-backed ramdisk files instead.
package loopdev

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/cryptohome/storagecore/internal/fsutil/lock"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// Device describes an attached (or about-to-be-attached) loop device.
type Device struct {
	MaxLoopDevices int
	Shared         bool
	Info           *Info64
	fd             *int
	path           string
}

const (
	FlagsReadOnly  = 1
	FlagsAutoClear = 4
	FlagsPartScan  = 8
	FlagsDirectIO  = 16
)

const (
	cmdSetFd       = 0x4C00
	cmdClrFd       = 0x4C01
	cmdGetStatus64 = 0x4C05
	cmdSetStatus64 = 0x4C04
)

// Info64 mirrors struct loop_info64 from <linux/loop.h>.
type Info64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

var errTransientAttach = errors.New("transient error, please retry")

const (
	maxRetries    = 5
	retryInterval = 250 * time.Millisecond
)

// AttachFromPath opens image at the given path and attaches it to a free (or
// shared, if Device.Shared) loop device, populating Device.path on success.
func (d *Device) AttachFromPath(image string, mode int, number *int) error {
	file, err := os.OpenFile(image, mode, 0o600)
	if err != nil {
		return err
	}
	return d.AttachFromFile(file, mode, number)
}

// AttachFromFile attaches image to a free or shared loop device, retrying a
// bounded number of times on transient EAGAIN/EBUSY conditions.
func (d *Device) AttachFromFile(image *os.File, mode int, number *int) error {
	if image == nil {
		return fmt.Errorf("empty file pointer")
	}
	fi, err := image.Stat()
	if err != nil {
		return err
	}
	st := fi.Sys().(*syscall.Stat_t)
	imageIno := st.Ino
	imageDev := uint64(st.Dev)

	if d.Shared {
		ok, err := d.shareLoop(imageIno, imageDev, mode, number)
		if err != nil {
			return err
		}
		if ok {
			d.path = fmt.Sprintf("/dev/loop%d", *number)
			return nil
		}
		d.Shared = false
	}

	for i := 0; i < maxRetries; i++ {
		err = d.attachLoop(image, mode, number)
		if err == nil {
			d.path = fmt.Sprintf("/dev/loop%d", *number)
			return nil
		}
		if !errors.Is(err, errTransientAttach) {
			return err
		}
		storagelog.Debugf("%v", err)
		time.Sleep(retryInterval)
	}
	return fmt.Errorf("failed to attach loop device: %w", err)
}

func (d *Device) shareLoop(imageIno, imageDev uint64, mode int, number *int) (bool, error) {
	fd, err := lock.Exclusive("/dev")
	if err != nil {
		return false, err
	}
	defer lock.Release(fd)

	for device := 0; device < d.MaxLoopDevices; device++ {
		*number = device
		loopFd, err := openLoopDev(device, mode, false)
		if err != nil {
			if !os.IsNotExist(err) {
				storagelog.Debugf("couldn't open loop device %d: %v", device, err)
			}
			continue
		}
		status, err := GetStatusFromFd(uintptr(loopFd))
		if err != nil {
			syscall.Close(loopFd)
			continue
		}
		if status.Inode == imageIno && status.Device == imageDev &&
			status.Flags&FlagsReadOnly == d.Info.Flags&FlagsReadOnly &&
			status.Offset == d.Info.Offset && status.SizeLimit == d.Info.SizeLimit {
			storagelog.Debugf("sharing loop device %d", device)
			d.fd = new(int)
			*d.fd = loopFd
			return true, nil
		}
		syscall.Close(loopFd)
	}
	return false, nil
}

func (d *Device) attachLoop(image *os.File, mode int, number *int) error {
	var transientError error

	fd, err := lock.Exclusive("/dev")
	if err != nil {
		return err
	}
	defer lock.Release(fd)

	for device := 0; device < d.MaxLoopDevices; device++ {
		*number = device

		loopFd, err := openLoopDev(device, mode, true)
		if err != nil {
			storagelog.Debugf("couldn't open loop device %d: %v", device, err)
			continue
		}

		if _, _, esys := syscall.Syscall(syscall.SYS_IOCTL, uintptr(loopFd), cmdSetFd, image.Fd()); esys != 0 {
			syscall.Close(loopFd)
			continue
		}

		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(loopFd), cmdSetStatus64, uintptr(unsafe.Pointer(d.Info))); errno != 0 {
			syscall.Syscall(syscall.SYS_IOCTL, uintptr(loopFd), cmdClrFd, 0)
			if errno == syscall.EAGAIN || errno == syscall.EBUSY {
				storagelog.Debugf("transient error %v for loop device %d, continuing", errno, device)
				transientError = errno
				continue
			}
			syscall.Close(loopFd)
			return fmt.Errorf("failed to set loop flags on loop device: %s", errno)
		}

		d.fd = new(int)
		*d.fd = loopFd
		return nil
	}

	if transientError != nil {
		return fmt.Errorf("%w: %v", errTransientAttach, transientError)
	}
	return fmt.Errorf("no loop devices available")
}

func openLoopDev(device, mode int, create bool) (int, error) {
	path := fmt.Sprintf("/dev/loop%d", device)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) && !create {
		return -1, err
	}
	if err != nil && !os.IsNotExist(err) {
		return -1, fmt.Errorf("could not stat %s: %w", path, err)
	}
	if os.IsNotExist(err) {
		dev := int((7 << 8) | (device & 0xff) | ((device & 0xfff00) << 12))
		if esys := syscall.Mknod(path, syscall.S_IFBLK|0o660, dev); esys != nil {
			if errno, ok := esys.(syscall.Errno); ok && errno != syscall.EEXIST {
				return -1, fmt.Errorf("could not mknod %s: %w", path, esys)
			}
		}
	} else if fi.Mode()&os.ModeDevice == 0 {
		return -1, fmt.Errorf("%s is not a block device", path)
	}

	loopFd, err := syscall.Open(path, mode, 0o600)
	if err != nil {
		return -1, fmt.Errorf("could not open %s: %w", path, err)
	}
	return loopFd, nil
}

// Close detaches the loop device's held file descriptor.
func (d *Device) Close() error {
	if d.fd != nil {
		return syscall.Close(*d.fd)
	}
	return nil
}

// Path returns the attached /dev/loopN path, or "" before attach.
func (d *Device) Path() string { return d.path }

// GetStatusFromFd retrieves loop_info64 for an already-open loop fd.
func GetStatusFromFd(fd uintptr) (*Info64, error) {
	info := &Info64{}
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, cmdGetStatus64, uintptr(unsafe.Pointer(info)))
	if errno != syscall.ENXIO && errno != 0 {
		return nil, fmt.Errorf("failed to get loop status: %s", errno)
	}
	return info, nil
}

// Detach clears the backing file association for a loop device path,
// releasing it back to the free pool (the counterpart of AttachFromFile,
// used by BackingDevice.Teardown).
func Detach(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for detach: %w", path, err)
	}
	defer f.Close()
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), cmdClrFd, 0); errno != 0 {
		return fmt.Errorf("clearing loop fd on %s: %s", path, errno)
	}
	return nil
}
