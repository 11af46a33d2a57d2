package mounter

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
	"github.com/cryptohome/storagecore/pkg/vault"
)

const trackedDirectoryNameXattr = "user.TrackedDirectoryName"

// trackedDir describes one entry of the fixed tracked-subdirectory set
// (spec §4.6 "Tracked subdirectories").
type trackedDir struct {
	rel      string
	mode     os.FileMode
	uid, gid int
	// rootOwned directories are recreated outright when their mode/owner is
	// wrong; user-owned ones are corrected in place to preserve data.
	rootOwned bool
}

// trackedSet returns the fixed set the Mounter must ensure exists under
// mountDir. User-owned entries use the fixed uid/gid 1000, the conventional
// "chronos"-equivalent unprivileged account used throughout this path
// layout; callers cannot override these ids.
func trackedSet() []trackedDir {
	const chronosUID, chronosGID = 1000, 1000
	return []trackedDir{
		{rel: trackedUser, mode: 0o750, uid: chronosUID, gid: chronosGID, rootOwned: false},
		{rel: trackedUserMyFiles, mode: 0o750, uid: chronosUID, gid: chronosGID, rootOwned: false},
		{rel: trackedUserDownloads, mode: 0o750, uid: chronosUID, gid: chronosGID, rootOwned: false},
		{rel: trackedUserCache, mode: 0o750, uid: chronosUID, gid: chronosGID, rootOwned: false},
		{rel: trackedUserGCache, mode: 0o750, uid: chronosUID, gid: chronosGID, rootOwned: false},
		{rel: trackedUserGCacheV2, mode: 0o750, uid: chronosUID, gid: chronosGID, rootOwned: false},
		{rel: trackedRoot, mode: 0o700, uid: 0, gid: 0, rootOwned: true},
		{rel: trackedRootCache, mode: 0o700, uid: 0, gid: 0, rootOwned: true},
	}
}

// ensureTrackedSubdirs creates, with exact ownership and permissions, the
// fixed tracked-subdirectory set. Root-owned directories with wrong
// mode/owner are recreated; user-owned ones are chown/chmod-corrected in
// place. For fscrypt containers, each directory also gets
// user.TrackedDirectoryName so it stays identifiable by name without the
// encryption key (spec §4.6).
func (m *Mounter) ensureTrackedSubdirs(v *vault.CryptohomeVault, user identity.ObfuscatedUsername, mountDir string) error {
	isFscrypt := v.Primary != nil && v.Primary.GetType() == container.Fscrypt

	for _, td := range trackedSet() {
		path := filepath.Join(mountDir, td.rel)
		if err := m.ensureOneTrackedDir(path, td); err != nil {
			return fmt.Errorf("tracked dir %s: %w", td.rel, err)
		}
		if isFscrypt {
			name := filepath.Base(td.rel)
			if err := m.Platform.SetXattr(path, trackedDirectoryNameXattr, []byte(name)); err != nil {
				storagelog.Warningf("setting %s on %s: %v", trackedDirectoryNameXattr, path, err)
			}
		}
	}
	return nil
}

func (m *Mounter) ensureOneTrackedDir(path string, td trackedDir) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, td.mode); err != nil {
			return err
		}
		return m.Platform.Chown(path, td.uid, td.gid)
	}
	if err != nil {
		return err
	}

	correct := fi.Mode().Perm() == td.mode
	if correct {
		if uid, gid, ok := statOwnership(fi); ok {
			correct = uid == td.uid && gid == td.gid
		}
	}
	if correct {
		return nil
	}

	if td.rootOwned {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if err := os.MkdirAll(path, td.mode); err != nil {
			return err
		}
		return m.Platform.Chown(path, td.uid, td.gid)
	}

	if err := m.Platform.Chmod(path, uint32(td.mode)); err != nil {
		return err
	}
	return m.Platform.Chown(path, td.uid, td.gid)
}
