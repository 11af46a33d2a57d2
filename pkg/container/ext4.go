package container

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/cryptohome/storagecore/internal/fsutil/bin"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// RecoveryPolicy governs how Ext4Container reacts to a dirty filesystem
// found on an existing dm-crypt device at mount time (spec §3, §5
// supplemented from original_source/cryptohome/storage/ext4_container.cc).
type RecoveryPolicy int

const (
	DoNothing RecoveryPolicy = iota
	EnforceCleaning
	Purge
)

// Ext4Config configures an Ext4Container (spec §3).
type Ext4Config struct {
	MkfsOpts       []string
	Tune2fsOpts    []string
	RecoveryPolicy RecoveryPolicy
}

// Ext4Container wraps a raw dm-crypt container with ext4 filesystem
// management: format-if-new, fsck-and-recover-if-existing, tune2fs always
// (spec §4.3 Ext4-over-Dmcrypt).
type Ext4Container struct {
	cfg   Ext4Config
	inner StorageContainer // a *DmcryptContainer in production
}

// NewExt4 constructs the Ext4-over-Dmcrypt StorageContainer variant,
// wrapping an already-constructed inner Dmcrypt container.
func NewExt4(cfg Ext4Config, inner StorageContainer) *Ext4Container {
	return &Ext4Container{cfg: cfg, inner: inner}
}

func (c *Ext4Container) Exists() bool { return c.inner.Exists() }

func (c *Ext4Container) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	existedBefore := c.inner.Exists()
	if err := c.inner.Setup(ctx, key); err != nil {
		return err
	}
	dev := c.inner.GetBackingLocation()

	if !existedBefore {
		return c.format(ctx, dev)
	}
	return c.fsckThenTune(ctx, dev, key)
}

func (c *Ext4Container) format(ctx context.Context, dev string) error {
	mkfs, err := bin.FindBin("mkfs.ext4")
	if err != nil {
		return err
	}
	args := append(append([]string{}, c.cfg.MkfsOpts...), dev)
	if out, err := exec.CommandContext(ctx, mkfs, args...).CombinedOutput(); err != nil {
		// A failure right after a fresh format is always fatal (spec §4.3).
		return fmt.Errorf("mkfs.ext4 %s failed: %w: %s", dev, err, out)
	}
	return c.tune2fs(ctx, dev, true, false)
}

// fsckThenTune runs `fsck -p`; consults RecoveryPolicy if uncorrected errors
// remain, per the exit-code table documented in SPEC_FULL §5: 0/1 clean,
// 2/3 needs reboot/retry, >=4 uncorrected. A Purge recovery recreates the
// backing device and reformats it in place, matching
// ext4_container.cc's RecoveryType::kPurge path, which purges, recreates,
// and falls through to mke2fs within the same Setup call rather than
// failing it.
func (c *Ext4Container) fsckThenTune(ctx context.Context, dev string, key fskey.FileSystemKey) error {
	fsck, err := bin.FindBin("fsck.ext4")
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, fsck, "-p", dev)
	out, runErr := cmd.CombinedOutput()
	exitCode := 0
	if exitErr, ok := asExitError(runErr); ok {
		exitCode = exitErr
	} else if runErr != nil {
		return fmt.Errorf("running fsck.ext4 %s: %w", dev, runErr)
	}

	switch {
	case exitCode <= 1:
		// clean (0) or corrected (1)
	case exitCode <= 3:
		storagelog.Warningf("fsck.ext4 %s reported exit %d (reboot suggested): %s", dev, exitCode, out)
	default:
		recreated, err := c.recover(ctx, dev, exitCode, out, key)
		if err != nil {
			return err
		}
		if recreated {
			return c.format(ctx, c.inner.GetBackingLocation())
		}
	}
	return c.tune2fs(ctx, dev, false, exitCode > 3 && c.cfg.RecoveryPolicy == EnforceCleaning)
}

// recover applies RecoveryPolicy to a device fsck reported uncorrected
// errors on. It returns recreated=true when the backing device was purged
// and successfully recreated, in which case the caller must reformat it
// instead of calling tune2fs on the condemned device.
func (c *Ext4Container) recover(ctx context.Context, dev string, exitCode int, fsckOutput []byte, key fskey.FileSystemKey) (recreated bool, err error) {
	switch c.cfg.RecoveryPolicy {
	case DoNothing:
		storagelog.Errorf("fsck.ext4 %s uncorrected errors (exit %d), recovery_policy=DoNothing: %s", dev, exitCode, fsckOutput)
		return false, nil
	case EnforceCleaning:
		fsck, err := bin.FindBin("fsck.ext4")
		if err != nil {
			return false, err
		}
		if out, err := exec.CommandContext(ctx, fsck, "-y", dev).CombinedOutput(); err != nil {
			return false, fmt.Errorf("full fsck.ext4 -y %s failed: %w: %s", dev, err, out)
		}
		return false, nil
	case Purge:
		storagelog.Warningf("%s: being recreated per recovery_policy=Purge", dev)
		if err := c.inner.Purge(ctx); err != nil {
			return false, fmt.Errorf("purging corrupt ext4 container: %w", err)
		}
		if err := c.inner.Setup(ctx, key); err != nil {
			return false, fmt.Errorf("recreating backing device after purge: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown recovery policy %v", c.cfg.RecoveryPolicy)
}

func (c *Ext4Container) tune2fs(ctx context.Context, dev string, freshFormat, cleaned bool) error {
	if len(c.cfg.Tune2fsOpts) == 0 {
		return nil
	}
	tune2fs, err := bin.FindBin("tune2fs")
	if err != nil {
		return err
	}
	args := append(append([]string{}, c.cfg.Tune2fsOpts...), dev)
	if out, err := exec.CommandContext(ctx, tune2fs, args...).CombinedOutput(); err != nil {
		// After a fresh format (or once EnforceCleaning has already run) a
		// tune2fs failure is fatal; otherwise it is downgraded to a warning
		// (spec §4.3).
		if freshFormat {
			return fmt.Errorf("tune2fs %s failed after fresh format: %w: %s", dev, err, out)
		}
		if cleaned {
			return fmt.Errorf("tune2fs %s failed after enforced fsck: %w: %s", dev, err, out)
		}
		storagelog.Warningf("tune2fs %s failed: %v: %s", dev, err, out)
	}
	return nil
}

func asExitError(err error) (int, bool) {
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode(), true
	}
	return 0, false
}

func (c *Ext4Container) Teardown(ctx context.Context) error { return c.inner.Teardown(ctx) }

func (c *Ext4Container) EvictKey(ctx context.Context) error { return c.inner.EvictKey(ctx) }

func (c *Ext4Container) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	return c.inner.RestoreKey(ctx, key)
}

func (c *Ext4Container) Reset(ctx context.Context) error {
	return &ErrUnsupported{Op: "Reset", Type: Ext4}
}

func (c *Ext4Container) Purge(ctx context.Context) error { return c.inner.Purge(ctx) }

func (c *Ext4Container) SetLazyTeardownWhenUnused(ctx context.Context) error {
	return c.inner.SetLazyTeardownWhenUnused(ctx)
}

func (c *Ext4Container) GetType() Type                 { return Ext4 }
func (c *Ext4Container) GetBackingLocation() string    { return c.inner.GetBackingLocation() }
func (c *Ext4Container) GetReference() fskey.Reference { return c.inner.GetReference() }
