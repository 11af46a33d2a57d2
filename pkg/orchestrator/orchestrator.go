// Package orchestrator implements MountOrchestrator (spec §4.8): the
// top-level entry points that compose HomeDirs, CryptohomeVault, and
// Mounter into MountCryptohome, MountEphemeralCryptohome, UnmountCryptohome,
// and MigrateEncryption.
package orchestrator

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/errs"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/homedirs"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/mounter"
	"github.com/cryptohome/storagecore/pkg/storagelog"
	"github.com/cryptohome/storagecore/pkg/vault"
)

// VaultBuilder constructs a CryptohomeVault for a given user and elected
// type. Implemented by the binary's wiring layer (internal/cli), which
// knows how to instantiate the right StorageContainer/BackingDevice/Keyring
// combination for each container.Type.
type VaultBuilder interface {
	Build(user identity.ObfuscatedUsername, vaultType container.Type) (*vault.CryptohomeVault, error)
	BuildEphemeral(user identity.ObfuscatedUsername, sizeBytes int64) (*vault.CryptohomeVault, string /* loop device path */, error)
}

// Options mirrors spec §4.5's HomeDirs.Options, forwarded verbatim into
// PickVaultType.
type Options = homedirs.Options

// MountOrchestrator ties the other components together (spec §4.8).
type MountOrchestrator struct {
	HomeDirs *homedirs.HomeDirs
	Builder  VaultBuilder
	Mounter  *mounter.Mounter

	current *mountedState
}

// mountedState tracks the single currently-mounted user this process is
// responsible for (spec §5: two concurrent MountCryptohome calls for the
// same user are serialized by presence in HomeDirs; here, scoped to this
// process's own mounts).
type mountedState struct {
	user  identity.ObfuscatedUsername
	vault *vault.CryptohomeVault
}

// New constructs a MountOrchestrator.
func New(hd *homedirs.HomeDirs, builder VaultBuilder, m *mounter.Mounter) *MountOrchestrator {
	return &MountOrchestrator{HomeDirs: hd, Builder: builder, Mounter: m}
}

// MountCryptohome drives HomeDirs.PickVaultType → Vault.Setup →
// Mounter.PerformMount. On any failure, unwinds via Mounter.UnmountAll and
// Vault.Teardown (spec §4.8).
func (o *MountOrchestrator) MountCryptohome(ctx context.Context, user identity.ObfuscatedUsername, key fskey.FileSystemKey, disk homedirs.DiskState, opts Options) error {
	if o.current != nil {
		return errs.New(errs.MountPointBusy, "MountOrchestrator.MountCryptohome")
	}

	vaultType, err := o.HomeDirs.PickVaultType(disk, opts)
	if err != nil {
		return err
	}

	v, err := o.Builder.Build(user, vaultType)
	if err != nil {
		return errs.Wrap(errs.CreateCryptohomeFailed, "MountOrchestrator.MountCryptohome", err)
	}

	if err := v.Setup(ctx, key); err != nil {
		return errs.Wrap(errs.CreateCryptohomeFailed, "MountOrchestrator.MountCryptohome", err)
	}

	ref := v.Primary.GetReference()
	if err := o.Mounter.PerformMount(ctx, v, user, ref); err != nil {
		if unmountErr := o.Mounter.UnmountAll(); unmountErr != nil {
			storagelog.Warningf("unwinding failed mount for %s: %v", user, unmountErr)
		}
		if teardownErr := v.Teardown(ctx); teardownErr != nil {
			storagelog.Warningf("tearing down vault after failed mount for %s: %v", user, teardownErr)
		}
		return err
	}

	o.current = &mountedState{user: user, vault: v}
	return nil
}

// MountEphemeralCryptohome builds an ephemeral vault, sizing the ramdisk
// from the ephemeral root's available space, sets it up, and mounts it
// (spec §4.8).
func (o *MountOrchestrator) MountEphemeralCryptohome(ctx context.Context, user identity.ObfuscatedUsername) error {
	if o.current != nil {
		return errs.New(errs.MountPointBusy, "MountOrchestrator.MountEphemeralCryptohome")
	}

	blockSize, _, free, err := o.Mounter.Platform.Statfs(o.Mounter.Paths.EphemeralRoot)
	if err != nil {
		return errs.Wrap(errs.CreateCryptohomeFailed, "MountOrchestrator.MountEphemeralCryptohome", err)
	}
	sizeBytes := int64(blockSize) * int64(free)
	storagelog.Infof("sizing ephemeral cryptohome for %s at %s", user, units.HumanSize(float64(sizeBytes)))

	v, loopPath, err := o.Builder.BuildEphemeral(user, sizeBytes)
	if err != nil {
		return errs.Wrap(errs.CreateCryptohomeFailed, "MountOrchestrator.MountEphemeralCryptohome", err)
	}

	if err := v.Setup(ctx, fskey.FileSystemKey{}); err != nil {
		return errs.Wrap(errs.CreateCryptohomeFailed, "MountOrchestrator.MountEphemeralCryptohome", err)
	}

	if err := o.Mounter.PerformEphemeralMount(ctx, v, user, loopPath); err != nil {
		if unmountErr := o.Mounter.UnmountAll(); unmountErr != nil {
			storagelog.Warningf("unwinding failed ephemeral mount for %s: %v", user, unmountErr)
		}
		if teardownErr := v.Teardown(ctx); teardownErr != nil {
			storagelog.Warningf("tearing down ephemeral vault after failed mount for %s: %v", user, teardownErr)
		}
		return err
	}

	o.current = &mountedState{user: user, vault: v}
	return nil
}

// UnmountCryptohome runs Mounter.UnmountAll then Vault.Teardown (spec
// §4.8).
func (o *MountOrchestrator) UnmountCryptohome(ctx context.Context) error {
	if o.current == nil {
		return nil
	}
	unmountErr := o.Mounter.UnmountAll()
	teardownErr := o.current.vault.Teardown(ctx)
	o.current = nil

	if unmountErr != nil {
		return fmt.Errorf("unmounting: %w", unmountErr)
	}
	return teardownErr
}

// MigrationMode selects how much of the source tree MigrateEncryption
// copies in one pass.
type MigrationMode int

const (
	MigrationFull MigrationMode = iota
	MigrationMinimal
)

// MigrationResult is delivered via MigrateEncryption's progress callback.
type MigrationResult struct {
	BytesDone, BytesTotal int64
	Canceled              bool
	Err                   error
}

// MigrateEncryption requires the current mount to be a migrating type. It
// drives an external migration helper that copies the source mount to the
// destination, reports progress through callback, then tears down the
// source container and flips the on-disk state so the next mount observes
// only the destination type (spec §4.8). Cancellable: ctx's cancellation is
// checked by the helper between files (spec §5 "Cancellation").
func (o *MountOrchestrator) MigrateEncryption(ctx context.Context, mode MigrationMode, progress func(MigrationResult)) error {
	if o.current == nil {
		return fmt.Errorf("MigrateEncryption: no cryptohome mounted")
	}
	mc, ok := o.current.vault.Primary.(container.MigratingContainer)
	if !ok {
		return fmt.Errorf("MigrateEncryption: mounted vault type %s is not migrating", o.current.vault.Primary.GetType())
	}

	src, dst := mc.Source(), mc.Destination()
	srcRoot := src.GetBackingLocation()
	dstRoot := dst.GetBackingLocation()

	helper := &copyHelper{srcRoot: srcRoot, dstRoot: dstRoot, mode: mode}
	result := helper.run(ctx, progress)
	if result.Canceled {
		// Partially migrated destination remains but is not promoted; the
		// next mount still observes the migrating type (spec §5).
		return fmt.Errorf("MigrateEncryption: canceled after %d of %d bytes", result.BytesDone, result.BytesTotal)
	}
	if result.Err != nil {
		return fmt.Errorf("MigrateEncryption: %w", result.Err)
	}

	if err := src.Teardown(ctx); err != nil {
		storagelog.Warningf("tearing down migration source after successful copy: %v", err)
	}
	if err := src.Purge(ctx); err != nil {
		storagelog.Warningf("purging migration source after successful copy: %v", err)
	}
	return nil
}
