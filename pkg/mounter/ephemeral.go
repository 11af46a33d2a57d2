package mounter

import (
	"context"
	"fmt"
	"os"

	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
	"github.com/cryptohome/storagecore/pkg/vault"
)

// PerformEphemeralMount mounts the ephemeral device as ext4 onto
// <ephemeral-root>/ephemeral_mount/<u>, creates the vault directory
// structure, runs the skeleton copy, and then runs the same home-graph
// build as a persistent mount. Ephemeral mounts are exclusive: refuses a
// second ephemeral mount while any mount is still recorded on the stack
// (spec §4.6 "Ephemeral mount").
func (m *Mounter) PerformEphemeralMount(ctx context.Context, v *vault.CryptohomeVault, user identity.ObfuscatedUsername, loopDevicePath string) error {
	if !m.stack.Empty() {
		return fmt.Errorf("mounter: refusing ephemeral mount while %d mount(s) already recorded", m.stack.Len())
	}

	mountPoint := m.Paths.EphemeralMount(user)
	if err := os.MkdirAll(mountPoint, 0o700); err != nil {
		return err
	}
	if err := m.MountAndPush(loopDevicePath, mountPoint, "ext4", 0, ""); err != nil {
		return fmt.Errorf("mounting ephemeral device: %w", err)
	}

	if err := m.setSELinuxRootContext(mountPoint); err != nil {
		storagelog.Warningf("setting SELinux context on ephemeral root %s: %v", mountPoint, err)
	}

	if err := m.ensureTrackedSubdirs(v, user, mountPoint); err != nil {
		return fmt.Errorf("building ephemeral vault structure: %w", err)
	}
	if err := m.copySkeleton(mountPoint); err != nil {
		return fmt.Errorf("copying skeleton into ephemeral vault: %w", err)
	}

	m.ephemeralUp = true
	return m.buildHomeGraph(ctx, v, user, mountPoint)
}

func (m *Mounter) copySkeleton(mountPoint string) error {
	const skelRoot = "/etc/skel"
	fi, err := os.Stat(skelRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return nil
	}
	return copyTree(skelRoot, joinPath(mountPoint, trackedUser))
}

func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := joinPath(src, e.Name())
		dstPath := joinPath(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, 0o640); err != nil {
			return err
		}
	}
	return nil
}
