package container

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cryptohome/storagecore/internal/fsutil/bin"
	"github.com/cryptohome/storagecore/pkg/backingdevice"
	"github.com/cryptohome/storagecore/pkg/fskey"
)

// EphemeralConfig configures an EphemeralContainer (spec §3).
type EphemeralConfig struct {
	MkfsOpts []string
}

// EphemeralContainer is a ramdisk-backed ext4 filesystem that is always
// reformatted on Setup and never persists across a Teardown (spec §4.3
// Ephemeral; backingdevice.Ramdisk's Exists() always reports false, which
// this container mirrors).
type EphemeralContainer struct {
	cfg     EphemeralConfig
	backing backingdevice.BackingDevice
	setUp   bool
}

// NewEphemeral constructs the Ephemeral StorageContainer variant over a
// ramdisk-backed BackingDevice.
func NewEphemeral(cfg EphemeralConfig, backing backingdevice.BackingDevice) *EphemeralContainer {
	return &EphemeralContainer{cfg: cfg, backing: backing}
}

// Exists always reports false: ephemeral content never survives a reboot or
// a Teardown, so there is nothing for HomeDirs to discover on disk (spec
// §4.5 observed-type table treats Ephemeral as never pre-existing).
func (c *EphemeralContainer) Exists() bool { return false }

func (c *EphemeralContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	if err := c.backing.Setup(ctx); err != nil {
		return fmt.Errorf("attaching ephemeral ramdisk backing: %w", err)
	}
	dev := c.backing.GetPath()
	mkfs, err := bin.FindBin("mkfs.ext4")
	if err != nil {
		_ = c.backing.Teardown(ctx)
		return err
	}
	args := append(append([]string{}, c.cfg.MkfsOpts...), dev)
	if out, err := exec.CommandContext(ctx, mkfs, args...).CombinedOutput(); err != nil {
		_ = c.backing.Teardown(ctx)
		return fmt.Errorf("mkfs.ext4 %s failed: %w: %s", dev, err, out)
	}
	c.setUp = true
	return nil
}

func (c *EphemeralContainer) Teardown(ctx context.Context) error {
	c.setUp = false
	return c.backing.Purge(ctx) // ramdisk Purge always removes the backing file
}

func (c *EphemeralContainer) EvictKey(ctx context.Context) error {
	return &ErrUnsupported{Op: "EvictKey", Type: Ephemeral}
}

func (c *EphemeralContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	return &ErrUnsupported{Op: "RestoreKey", Type: Ephemeral}
}

// Reset wipes and reformats in place, for reuse without a full
// Teardown/Setup cycle.
func (c *EphemeralContainer) Reset(ctx context.Context) error {
	if !c.setUp {
		return fmt.Errorf("ephemeral container not set up")
	}
	dev := c.backing.GetPath()
	mkfs, err := bin.FindBin("mkfs.ext4")
	if err != nil {
		return err
	}
	args := append(append([]string{}, c.cfg.MkfsOpts...), dev)
	if out, err := exec.CommandContext(ctx, mkfs, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("reformatting ephemeral container: %w: %s", err, out)
	}
	return nil
}

func (c *EphemeralContainer) Purge(ctx context.Context) error {
	return c.backing.Purge(ctx)
}

func (c *EphemeralContainer) SetLazyTeardownWhenUnused(ctx context.Context) error {
	return &ErrUnsupported{Op: "SetLazyTeardownWhenUnused", Type: Ephemeral}
}

func (c *EphemeralContainer) GetType() Type              { return Ephemeral }
func (c *EphemeralContainer) GetBackingLocation() string { return c.backing.GetPath() }
func (c *EphemeralContainer) GetReference() fskey.Reference {
	return fskey.Reference{}
}
