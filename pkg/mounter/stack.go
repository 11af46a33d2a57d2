package mounter

import (
	"fmt"

	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// mountEntry is a value-typed descriptor recording one mount's inverse.
// The stack never references the container or vault that produced the
// mount, only the (source, target) pair needed to unwind it (spec §9
// "Cyclic ownership of the mount graph": ownership is downward only).
type mountEntry struct {
	Source string
	Target string
	isBind bool
}

// MountStack is the LIFO undo log the Mounter pushes every mount/bind onto
// (spec §3 "UnmountStack", §4.6).
type MountStack struct {
	entries []mountEntry
}

// Push records one mount's inverse.
func (s *MountStack) Push(source, target string, isBind bool) {
	s.entries = append(s.entries, mountEntry{Source: source, Target: target, isBind: isBind})
}

// Contains reports whether target is recorded anywhere on the stack.
func (s *MountStack) Contains(target string) bool {
	for _, e := range s.entries {
		if e.Target == target {
			return true
		}
	}
	return false
}

// Empty reports whether the stack has no recorded mounts.
func (s *MountStack) Empty() bool { return len(s.entries) == 0 }

// Len reports the number of recorded mounts.
func (s *MountStack) Len() int { return len(s.entries) }

// unmounter is implemented by Platform's narrow subset the stack needs to
// unwind entries, kept separate so this file has no import cycle with
// internal/platform.
type unmounter interface {
	Unmount(target string, flags int) error
}

// unmount flags mirroring syscall.MNT_DETACH/MNT_FORCE without importing
// the syscall package directly into this platform-agnostic file.
const (
	flagNone        = 0
	flagForce       = 1
	flagDetach      = 2
	errBusyFallback = "device or resource busy"
)

// UnmountAll pops every entry in LIFO order, falling back to a lazy
// (detach) unmount if the eager unmount reports EBUSY (spec §4.6
// "UnmountAll()... falling back to lazy-unmount with prior sync if the
// eager unmount reports EBUSY").
func (s *MountStack) UnmountAll(p unmounter, sync func()) error {
	var firstErr error
	for len(s.entries) > 0 {
		e := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]

		err := p.Unmount(e.Target, flagNone)
		if isBusy(err) {
			if sync != nil {
				sync()
			}
			storagelog.Warningf("unmount %s busy, falling back to lazy unmount", e.Target)
			err = p.Unmount(e.Target, flagDetach)
		}
		if err != nil {
			storagelog.Errorf("unmount %s failed: %v", e.Target, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("unmounting %s: %w", e.Target, err)
			}
		}
	}
	return firstErr
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	// EBUSY is 16 on Linux; match it against the string form to keep this
	// file platform-agnostic rather than importing syscall here.
	return err.Error() == errBusyText || containsBusy(err.Error())
}

const errBusyText = "device or resource busy"

func containsBusy(s string) bool {
	for i := 0; i+len(errBusyFallback) <= len(s); i++ {
		if s[i:i+len(errBusyFallback)] == errBusyFallback {
			return true
		}
	}
	return false
}
