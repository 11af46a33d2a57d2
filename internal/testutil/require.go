// Package testutil provides test-skip guards for the privileged kernel
// facilities (loop devices, device-mapper, fscrypt) the storage core's
// integration tests need, in the style of the teacher's
// internal/pkg/test/tool/require package but scoped to this domain.
package testutil

import (
	"os"
	"os/exec"
	"sync"
	"testing"
)

var (
	hasRootOnce sync.Once
	hasRoot     bool
)

// RequireRoot skips the test unless running as uid 0, needed for mount,
// loop-device attach, and keyring insertion.
func RequireRoot(t *testing.T) {
	hasRootOnce.Do(func() {
		hasRoot = os.Geteuid() == 0
	})
	if !hasRoot {
		t.Skip("test requires root privileges")
	}
}

var (
	hasLoopOnce     sync.Once
	hasLoopDevices  bool
)

// RequireLoopDevices skips the test unless /dev/loop-control is present.
func RequireLoopDevices(t *testing.T) {
	hasLoopOnce.Do(func() {
		_, err := os.Stat("/dev/loop-control")
		hasLoopDevices = err == nil
	})
	if !hasLoopDevices {
		t.Skip("test requires loop device support (/dev/loop-control)")
	}
}

var (
	hasDMOnce     sync.Once
	hasDeviceMapper bool
)

// RequireDeviceMapper skips the test unless the dmsetup binary is available
// and /dev/mapper exists.
func RequireDeviceMapper(t *testing.T) {
	hasDMOnce.Do(func() {
		if _, err := exec.LookPath("dmsetup"); err != nil {
			return
		}
		if _, err := os.Stat("/dev/mapper"); err != nil {
			return
		}
		hasDeviceMapper = true
	})
	if !hasDeviceMapper {
		t.Skip("test requires dmsetup and /dev/mapper")
	}
}

var (
	hasFscryptOnce     sync.Once
	hasFscryptSupport  bool
)

// RequireFscrypt skips the test unless the kernel advertises fscrypt
// support via /sys/fs/<fstype>/features/encryption (checked for ext4 as a
// representative filesystem).
func RequireFscrypt(t *testing.T) {
	hasFscryptOnce.Do(func() {
		_, err := os.Stat("/sys/fs/ext4/features/encryption")
		hasFscryptSupport = err == nil
	})
	if !hasFscryptSupport {
		t.Skip("test requires kernel fscrypt support")
	}
}
