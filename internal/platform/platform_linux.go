package platform

import (
	"bufio"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cryptohome/storagecore/internal/fsutil/priv"
)

// linuxPlatform implements Platform via direct syscalls, escalating the
// calling thread's effective uid to root for the duration of each call
// (spec §4.6; ambient-stack analog of the teacher's privilege-separated RPC
// server, collapsed since this binary runs as a single escalated process
// rather than forking an unprivileged engine).
type linuxPlatform struct{}

// New returns the Linux Platform implementation.
func New() Platform { return &linuxPlatform{} }

func (p *linuxPlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	return priv.WithPrivilege("mount", func() error {
		return syscall.Mount(source, target, fstype, flags, data)
	})
}

func (p *linuxPlatform) Bind(source, target string, flags uintptr) error {
	return p.Mount(source, target, "", unix.MS_BIND|flags, "")
}

func (p *linuxPlatform) Unmount(target string, flags int) error {
	return priv.WithPrivilege("unmount", func() error {
		return syscall.Unmount(target, flags)
	})
}

func (p *linuxPlatform) Chown(path string, uid, gid int) error {
	return priv.WithPrivilege("chown", func() error {
		return os.Chown(path, uid, gid)
	})
}

func (p *linuxPlatform) Chmod(path string, mode uint32) error {
	return os.Chmod(path, os.FileMode(mode))
}

func (p *linuxPlatform) Mkdir(path string, mode uint32) error {
	return os.Mkdir(path, os.FileMode(mode))
}

// IsMounted reports whether target appears as a mountpoint in
// /proc/self/mountinfo.
func (p *linuxPlatform) IsMounted(target string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if fields[4] == target {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func (p *linuxPlatform) SetXattr(path, name string, value []byte) error {
	return unix.Setxattr(path, name, value, 0)
}

func (p *linuxPlatform) GetXattr(path, name string) ([]byte, error) {
	// Grow the buffer until it fits; xattr values here are short (status
	// tokens, directory names).
	buf := make([]byte, 256)
	for {
		n, err := unix.Getxattr(path, name, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

func (p *linuxPlatform) RemoveXattr(path, name string) error {
	return unix.Removexattr(path, name)
}

func (p *linuxPlatform) Statfs(path string) (uint32, uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, err
	}
	return uint32(st.Bsize), st.Blocks, st.Bfree, nil
}
