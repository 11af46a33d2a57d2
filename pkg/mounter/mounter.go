// Package mounter implements Mounter (spec §4.6): the bind-mount graph that
// assembles the user-visible home directory tree from a ready vault, the
// one-way Downloads migration, tracked-subdirectory maintenance, and the
// LIFO unmount stack.
package mounter

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/cryptohome/storagecore/internal/platform"
	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/errs"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
	"github.com/cryptohome/storagecore/pkg/vault"
)

// Config mirrors the Mounter's own configuration knobs (spec §4.6: "{
// legacy_mount, bind_mount_downloads }").
type Config struct {
	LegacyMount        bool
	BindMountDownloads bool
}

// Mounter translates a ready vault into the visible mount graph, owning the
// unmount stack across the lifetime of one mounted user (spec §4.6).
type Mounter struct {
	Paths    Paths
	Config   Config
	Platform platform.Platform

	stack       MountStack
	ephemeralUp bool
}

// New constructs a Mounter.
func New(paths Paths, cfg Config, p platform.Platform) *Mounter {
	return &Mounter{Paths: paths, Config: cfg, Platform: p}
}

// MountAndPush performs a real filesystem mount and records its inverse on
// the stack (spec §4.6 "MountAndPush(src, dst, type, opts)").
func (m *Mounter) MountAndPush(source, target, fstype string, flags uintptr, data string) error {
	if err := m.Platform.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mounting %s (%s) at %s: %w", source, fstype, target, err)
	}
	m.stack.Push(source, target, false)
	return nil
}

// BindAndPush bind-mounts source onto target and records its inverse (spec
// §4.6 "BindAndPush(src, dst, remount_mode)").
func (m *Mounter) BindAndPush(source, target string, extraFlags uintptr) error {
	if err := m.Platform.Bind(source, target, extraFlags); err != nil {
		return fmt.Errorf("bind-mounting %s at %s: %w", source, target, err)
	}
	m.stack.Push(source, target, true)
	return nil
}

// UnmountAll pops the stack until empty, falling back to lazy unmount on
// EBUSY (spec §4.6).
func (m *Mounter) UnmountAll() error {
	err := m.stack.UnmountAll(m.Platform, syncFS)
	m.ephemeralUp = false
	return err
}

func syncFS() { syscall.Sync() }

// StackLen exposes the current unmount stack depth, used by
// MountOrchestrator/tests to assert invariant 3 from spec §8.
func (m *Mounter) StackLen() int { return m.stack.Len() }

// PerformMount dispatches on the vault's MountType to the recipe named in
// spec §4.6, then — for every non-migrating path — runs the home-graph
// build.
func (m *Mounter) PerformMount(ctx context.Context, v *vault.CryptohomeVault, user identity.ObfuscatedUsername, ref fskey.Reference) error {
	mt := v.MountType()
	storagelog.Infof("performing mount for %s, type %v", user, mt)

	switch mt {
	case vault.MountTypeEcryptfs:
		if err := m.mountEcryptfsOnly(v, user, ref); err != nil {
			return errs.Wrap(errs.MountEcryptfsFailed, "Mounter.PerformMount", err)
		}
	case vault.MountTypeDircrypto:
		// The container already added the fscrypt key; nothing to mount at
		// the filesystem level (spec §4.6 "Dircrypto-only").
	case vault.MountTypeDmcrypt:
		if err := m.mountDmcrypt(v, user); err != nil {
			return errs.Wrap(errs.MountDmcryptFailed, "Mounter.PerformMount", err)
		}
	case vault.MountTypeEcryptfsToDircrypto, vault.MountTypeEcryptfsToDmcrypt, vault.MountTypeDircryptoToDmcrypt:
		if err := m.mountMigrating(v, user, ref); err != nil {
			return errs.Wrap(errs.MountDmcryptFailed, "Mounter.PerformMount", err)
		}
		// Migration mounts return immediately; the migration helper
		// consumes both mount points (spec §4.6).
		return nil
	default:
		return errs.New(errs.UnexpectedMountType, "Mounter.PerformMount")
	}

	if err := m.buildHomeGraph(ctx, v, user, m.Paths.MountDir(user)); err != nil {
		return errs.Wrap(errs.MountHomesAndDaemonStoresFailed, "Mounter.PerformMount", err)
	}
	return nil
}

// mountEcryptfsOnly mounts vault/ onto mount/ with the ecryptfs option
// string built from the key reference (spec §4.3 Ecryptfs, §6 "Ecryptfs
// mount options").
func (m *Mounter) mountEcryptfsOnly(v *vault.CryptohomeVault, user identity.ObfuscatedUsername, ref fskey.Reference) error {
	mountDir := m.Paths.MountDir(user)
	if err := os.MkdirAll(mountDir, 0o700); err != nil {
		return err
	}
	opts := fmt.Sprintf("ecryptfs_cipher=aes,ecryptfs_key_bytes=16,ecryptfs_fnek_sig=%s,ecryptfs_sig=%s,ecryptfs_unlink_sigs",
		ref.HexFNEKSig(), ref.HexFEKSig())
	return m.MountAndPush(v.Primary.GetBackingLocation(), mountDir, "ecryptfs", 0, opts)
}

// mountDmcrypt mounts the data volume at mount/, then the cache volume at
// dmcrypt-cache/, then binds tracked cache-only subdirectories into the
// data mount (spec §4.6 "Dmcrypt").
func (m *Mounter) mountDmcrypt(v *vault.CryptohomeVault, user identity.ObfuscatedUsername) error {
	mountDir := m.Paths.MountDir(user)
	if err := os.MkdirAll(mountDir, 0o700); err != nil {
		return err
	}
	if err := m.MountAndPush(v.Primary.GetBackingLocation(), mountDir, "ext4", 0, ""); err != nil {
		return err
	}
	if v.Cache == nil {
		return nil
	}
	cacheDir := m.Paths.DmcryptCacheMount(user)
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return err
	}
	if err := m.MountAndPush(v.Cache.GetBackingLocation(), cacheDir, "ext4", 0, ""); err != nil {
		return err
	}
	return m.bindCacheOnlySubdirs(cacheDir, mountDir)
}

// mountMigrating mounts the migrating container's source at
// temporary_mount/ and destination at mount/ (spec §4.6 migration recipe).
func (m *Mounter) mountMigrating(v *vault.CryptohomeVault, user identity.ObfuscatedUsername, ref fskey.Reference) error {
	mc, ok := v.Primary.(container.MigratingContainer)
	if !ok {
		return fmt.Errorf("mounter: primary container type %s does not implement MigratingContainer", v.Primary.GetType())
	}
	src, dst := mc.Source(), mc.Destination()

	tmpMount := m.Paths.TemporaryMount(user)
	if err := os.MkdirAll(tmpMount, 0o700); err != nil {
		return err
	}
	if src.GetType() == container.Ecryptfs {
		opts := fmt.Sprintf("ecryptfs_cipher=aes,ecryptfs_key_bytes=16,ecryptfs_fnek_sig=%s,ecryptfs_sig=%s,ecryptfs_unlink_sigs",
			ref.HexFNEKSig(), ref.HexFEKSig())
		if err := m.MountAndPush(src.GetBackingLocation(), tmpMount, "ecryptfs", 0, opts); err != nil {
			return err
		}
	}
	// fscrypt sources need no filesystem mount of their own; nothing is
	// mounted at temporary_mount/ for them.

	mountDir := m.Paths.MountDir(user)
	if err := os.MkdirAll(mountDir, 0o700); err != nil {
		return err
	}
	if dst.GetType() == container.Dmcrypt || dst.GetType() == container.Ext4 {
		return m.MountAndPush(dst.GetBackingLocation(), mountDir, "ext4", 0, "")
	}
	return nil
}

func (m *Mounter) bindCacheOnlySubdirs(cacheDir, dataDir string) error {
	for _, sub := range cacheOnlySubdirs {
		src := joinPath(cacheDir, sub)
		dst := joinPath(dataDir, sub)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.MkdirAll(dst, 0o700); err != nil {
			return err
		}
		if err := m.BindAndPush(src, dst, 0); err != nil {
			return fmt.Errorf("binding cache-only subdir %s: %w", sub, err)
		}
	}
	return nil
}

func joinPath(a, b string) string { return a + "/" + b }
