package mounter

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// statOwnership extracts the uid/gid of a FileInfo obtained via os.Stat, so
// bindDaemonStores can replicate the daemon-store template's ownership onto
// the per-user root-home copy (spec §4.6 step 6).
func statOwnership(fi os.FileInfo) (uid, gid int, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}

// platformRenameExchange atomically swaps two paths via
// renameat2(RENAME_EXCHANGE), used by the Downloads migration's final
// directory swap (spec §4.6).
func platformRenameExchange(a, b string) error {
	return unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
}
