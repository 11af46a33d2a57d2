package mounter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cryptohome/storagecore/pkg/storagelog"
)

const (
	bindMountMigrationXattr = "user.BindMountMigration"
	xattrMigrating          = "migrating"
	xattrMigrated           = "migrated"

	// nameMax mirrors POSIX NAME_MAX; used to bound collision-resolved
	// filenames (spec §8 boundary behavior).
	nameMax = 255

	zeroWidthJoiner = '‍'
)

// reconcileDownloads implements spec §4.6's Downloads migration: userSrc is
// the mount/user directory (i.e. the canonical home root, not yet bound to
// any user-visible path).
func (m *Mounter) reconcileDownloads(userSrc string) error {
	downloads := filepath.Join(userSrc, "Downloads")
	myFiles := filepath.Join(userSrc, "MyFiles")
	myFilesDownloads := filepath.Join(myFiles, "Downloads")

	if m.Config.BindMountDownloads {
		return m.bindDownloads(downloads, myFilesDownloads)
	}
	return m.migrateDownloads(downloads, myFilesDownloads)
}

// bindDownloads implements the bind_mount_downloads=true path: any residual
// files in ~/MyFiles/Downloads are moved back to ~/Downloads first (repair
// after a crash during bind teardown), then ~/Downloads is bind-mounted
// onto ~/MyFiles/Downloads.
func (m *Mounter) bindDownloads(downloads, myFilesDownloads string) error {
	if err := os.MkdirAll(downloads, 0o750); err != nil {
		return err
	}
	if entries, err := os.ReadDir(myFilesDownloads); err == nil {
		for _, e := range entries {
			if err := moveWithCollisionResolution(filepath.Join(myFilesDownloads, e.Name()), downloads, e.Name()); err != nil {
				return fmt.Errorf("repairing residual MyFiles/Downloads entry %s: %w", e.Name(), err)
			}
		}
	}
	if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
		return err
	}
	return m.BindAndPush(downloads, myFilesDownloads, 0)
}

// migrateDownloads implements the decision table in spec §4.6.
func (m *Mounter) migrateDownloads(downloads, myFilesDownloads string) error {
	xattr, _ := m.Platform.GetXattr(myFilesDownloads, bindMountMigrationXattr)
	state := string(xattr)

	_, dlErr := os.Stat(downloads)
	downloadsExists := dlErr == nil
	_, mfErr := os.Stat(myFilesDownloads)
	myFilesExists := mfErr == nil

	switch {
	case state == xattrMigrated && !downloadsExists && myFilesExists:
		storagelog.Debugf("downloads: already migrated")
		return nil

	case state == xattrMigrated && downloadsExists && myFilesExists:
		if err := reverseMigrate(downloads, myFilesDownloads); err != nil {
			return err
		}
		if err := os.RemoveAll(downloads); err != nil {
			return err
		}
		storagelog.Infof("downloads: stray ~/Downloads reappeared, re-absorbed")
		return nil

	case state == xattrMigrating && !downloadsExists && myFilesExists:
		if err := m.Platform.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrated)); err != nil {
			return err
		}
		storagelog.Debugf("downloads: fixed stale 'migrating' xattr")
		return nil

	case state == "" && !downloadsExists && myFilesExists:
		if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
			return err
		}
		if err := m.Platform.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrated)); err != nil {
			return err
		}
		storagelog.Debugf("downloads: new cryptohome, no migration needed")
		return nil

	case downloadsExists:
		return m.runMigration(downloads, myFilesDownloads)

	default:
		// Neither exists: brand-new vault with nothing to migrate yet;
		// create the canonical directory and mark it migrated.
		if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
			return err
		}
		return m.Platform.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrated))
	}
}

// runMigration drains ~/MyFiles/Downloads into ~/Downloads, marks
// ~/Downloads as migrating, atomically swaps the two directories, deletes
// the now-empty old path, and marks the new location migrated (spec §4.6
// "any, yes, yes or no" row).
func (m *Mounter) runMigration(downloads, myFilesDownloads string) error {
	if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
		return err
	}
	if entries, err := os.ReadDir(myFilesDownloads); err == nil {
		for _, e := range entries {
			if err := moveWithCollisionResolution(filepath.Join(myFilesDownloads, e.Name()), downloads, e.Name()); err != nil {
				return fmt.Errorf("draining MyFiles/Downloads entry %s: %w", e.Name(), err)
			}
		}
	}
	if err := m.Platform.SetXattr(downloads, bindMountMigrationXattr, []byte(xattrMigrating)); err != nil {
		return err
	}
	if err := renameExchange(downloads, myFilesDownloads); err != nil {
		return fmt.Errorf("rename-exchanging downloads directories: %w", err)
	}
	// downloads and myFilesDownloads have swapped identities; the old
	// ~/Downloads inode (now empty, at the myFilesDownloads path's former
	// occupant) is removed from the downloads path, which post-swap holds
	// what was previously MyFiles/Downloads's now-empty shell.
	if err := os.RemoveAll(downloads); err != nil {
		return err
	}
	return m.Platform.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrated))
}

// reverseMigrate moves stray files out of a reappeared downloads directory
// into myFilesDownloads (used by the "reappeared" row).
func reverseMigrate(downloads, myFilesDownloads string) error {
	entries, err := os.ReadDir(downloads)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := moveWithCollisionResolution(filepath.Join(downloads, e.Name()), myFilesDownloads, e.Name()); err != nil {
			return err
		}
	}
	return nil
}

// renameExchange atomically swaps two paths. Linux exposes this via
// renameat2(RENAME_EXCHANGE); implemented in stat_linux.go's platform
// sibling to keep this file syscall-free.
func renameExchange(a, b string) error {
	return platformRenameExchange(a, b)
}

// moveWithCollisionResolution moves src into destDir, resolving a filename
// collision by appending " (k)" before the extension with the smallest
// positive k that avoids collision, truncating the UTF-8 stem to fit
// NAME_MAX without splitting a code point or cutting after a zero-width
// joiner (spec §4.6 "Filename-collision resolution").
func moveWithCollisionResolution(src, destDir, name string) error {
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return os.Rename(src, dest)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for k := 1; ; k++ {
		suffix := fmt.Sprintf(" (%d)%s", k, ext)
		candidateStem := truncateUTF8(stem, nameMax-len(suffix))
		candidate := candidateStem + suffix
		dest = filepath.Join(destDir, candidate)
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			return os.Rename(src, dest)
		}
	}
}

// truncateUTF8 truncates s to at most maxBytes bytes without splitting a
// code point, and backs off past a trailing zero-width joiner so the
// result never ends on one (spec §4.6, §8 boundary behavior).
func truncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return strings.TrimRight(s, string(zeroWidthJoiner))
	}
	b := s[:maxBytes]
	for len(b) > 0 && !utf8.RuneStart(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	// Drop a final, now-dangling combining rune if truncation fell inside
	// one (RuneStart only guarantees we're not mid-sequence for the final
	// byte; re-validate the whole tail decodes cleanly).
	for len(b) > 0 {
		r, size := utf8.DecodeLastRuneInString(b)
		if r == utf8.RuneError && size <= 1 {
			b = b[:len(b)-1]
			continue
		}
		break
	}
	for len(b) > 0 {
		r, size := utf8.DecodeLastRuneInString(b)
		if r == zeroWidthJoiner {
			b = b[:len(b)-size]
			continue
		}
		break
	}
	return b
}
