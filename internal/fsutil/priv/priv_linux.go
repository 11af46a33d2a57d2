// Package priv manages thread-level privilege escalation around the
// syscalls (mount, device-mapper ioctls, keyring insertion) that require a
// brief window of root privilege when the storage core runs setuid or with
// file capabilities rather than as a persistent root daemon.
package priv

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
)

// Escalate locks the calling goroutine to its OS thread and raises its
// effective uid to root, leaving the real uid unchanged. Callers must pair
// every Escalate with a Drop.
func Escalate() error {
	runtime.LockOSThread()
	uid := os.Getuid()
	return syscall.Setresuid(uid, 0, uid)
}

// Drop restores the thread's effective uid to the real uid and unlocks the
// OS thread.
func Drop() error {
	defer runtime.UnlockOSThread()
	uid := os.Getuid()
	return syscall.Setresuid(uid, uid, 0)
}

// WithPrivilege escalates for the duration of fn and always drops again
// before returning, even if fn panics. op names the caller's operation
// (e.g. "mount", "chown") for the error returned when escalation itself
// fails, since Platform's mount/unmount/chown methods all repeat this same
// escalate/defer-drop wrapping around a single syscall.
func WithPrivilege(op string, fn func() error) error {
	if err := Escalate(); err != nil {
		return fmt.Errorf("escalating privilege for %s: %w", op, err)
	}
	defer Drop()
	return fn()
}
