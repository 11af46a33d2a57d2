// Package platform wraps the privileged syscalls the Mounter and
// StorageContainer variants need (mount, unmount, chown, statfs), modeled on
// the teacher's RPC-server privilege-separation pattern but collapsed into
// direct, thread-escalated calls since this binary does not fork an
// unprivileged engine process (spec §4.6, ambient-stack analog of
// apptainer's internal/pkg/runtime/engine/apptainer/rpc/server).
package platform

// Platform is the borrowed collaborator the Mounter drives every mount-graph
// operation through (spec §4.6: "a borrowed Platform").
type Platform interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	Bind(source, target string, flags uintptr) error
	Chown(path string, uid, gid int) error
	Chmod(path string, mode uint32) error
	Mkdir(path string, mode uint32) error
	IsMounted(target string) (bool, error)
	SetXattr(path, name string, value []byte) error
	GetXattr(path, name string) ([]byte, error)
	RemoveXattr(path, name string) error
	Statfs(path string) (blockSize uint32, blocks, free uint64, err error)
}
