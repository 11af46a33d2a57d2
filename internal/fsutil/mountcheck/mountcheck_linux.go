// Package mountcheck validates the filesystem underlying a mount point and
// detects filesystems that cannot safely host storage-core binds (network
// filesystems under a
// migrating mount, a stray FUSE mount left by a crashed session, and so
// on). Adapted from the teacher's overlay-compatibility checker, which
// performed the same statfs-magic-number classification for OverlayFS
// upper/lower directories.
package mountcheck

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// statfs is indirected so tests can stub filesystem classification.
var statfs = unix.Statfs

type dir uint8

const (
	_ dir = 1 << iota
	lowerDir
	upperDir
	fuseDir
)

type fsKind struct {
	name string
	bad  dir
}

// Well-known filesystem magic numbers (statfs.Type) that are unsafe as bind
// sources/targets for cryptohome mounts: network filesystems can silently
// detach mid-operation, and FUSE/ecryptfs mounts left from a crashed prior
// session must be refused rather than layered on top of.
const (
	Nfs    int64 = 0x6969
	Fuse   int64 = 0x65735546
	Ecrypt int64 = 0xF15F
	Tmpfs  int64 = 0x01021994
)

var incompatible = map[int64]fsKind{
	Nfs:    {name: "NFS", bad: upperDir},
	Fuse:   {name: "FUSE", bad: upperDir | fuseDir},
	Ecrypt: {name: "ECRYPT", bad: lowerDir | upperDir},
}

func check(path string, d dir) error {
	stfs := &unix.Statfs_t{}
	if err := statfs(path, stfs); err != nil {
		return fmt.Errorf("could not statfs %s: %w", path, err)
	}
	kind, ok := incompatible[int64(stfs.Type)]
	if !ok || kind.bad&d == 0 {
		return nil
	}
	return &ErrIncompatibleFs{path: path, name: kind.name, dir: d}
}

// CheckMountTarget verifies path's filesystem may host a new bind/mount
// destination. The Mounter does not call it.
func CheckMountTarget(path string) error {
	return check(path, upperDir)
}

// CheckMountSource verifies path's filesystem may be used as a bind source.
func CheckMountSource(path string) error {
	return check(path, lowerDir)
}

// CheckNotFuse rejects a path backed by a leftover FUSE mount.
func CheckNotFuse(path string) error {
	return check(path, fuseDir)
}

// ErrIncompatibleFs reports a path backed by a filesystem unsafe for the
// requested mount role.
type ErrIncompatibleFs struct {
	path string
	name string
	dir  dir
}

func (e *ErrIncompatibleFs) Error() string {
	role := "source"
	if e.dir == upperDir {
		role = "target"
	}
	return fmt.Sprintf("%s is located on a %s filesystem incompatible as a mount %s", e.path, e.name, role)
}

// IsIncompatible reports whether err is an ErrIncompatibleFs.
func IsIncompatible(err error) bool {
	_, ok := err.(*ErrIncompatibleFs)
	return ok
}
