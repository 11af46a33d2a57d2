package container

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cryptohome/storagecore/internal/fsutil/bin"
	"github.com/cryptohome/storagecore/pkg/backingdevice"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/keyring"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// DmcryptConfig configures a raw DmcryptContainer (spec §3).
type DmcryptConfig struct {
	DeviceName    string
	Cipher        string
	IVOffset      uint64
	AllowDiscards bool
	SectorSize    uint64 // device sector size, default 512
}

// DmcryptContainer wraps a BackingDevice with a dm-crypt mapping. Backing is
// attached, a key is inserted into the kernel keyring (or embedded literally
// if unsupported), a dm-table is built and loaded, and the keyring entry is
// invalidated once dm-setup has consumed it (spec §4.3 Dmcrypt).
type DmcryptContainer struct {
	cfg     DmcryptConfig
	backing backingdevice.BackingDevice
	kr      keyring.Keyring
	ref     fskey.Reference
	mapped  bool
}

// NewDmcrypt constructs the Dmcrypt StorageContainer variant.
func NewDmcrypt(cfg DmcryptConfig, backing backingdevice.BackingDevice, kr keyring.Keyring) *DmcryptContainer {
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	return &DmcryptContainer{cfg: cfg, backing: backing, kr: kr}
}

func (c *DmcryptContainer) mapperPath() string {
	return fmt.Sprintf("/dev/mapper/%s", c.cfg.DeviceName)
}

func (c *DmcryptContainer) Exists() bool {
	_, err := os.Stat(c.mapperPath())
	return err == nil
}

func (c *DmcryptContainer) sectors() (uint64, error) {
	fi, err := os.Stat(c.backing.GetPath())
	if err != nil {
		// block devices report size via a different path; callers supply a
		// backing whose GetPath() is a regular file only in tests.
		return 0, err
	}
	return uint64(fi.Size()) / c.cfg.SectorSize, nil
}

func (c *DmcryptContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	if err := c.backing.Setup(ctx); err != nil {
		return fmt.Errorf("attaching dm-crypt backing device: %w", err)
	}

	ref := fskey.Reference{FEKSig: key.FEKSalt}
	keyDesc := hex.EncodeToString(key.FEK)
	useKeyring := true
	if err := c.kr.AddKey(keyring.Dmcrypt, key, &ref, ""); err != nil {
		storagelog.Warningf("kernel keyring unsupported for dm-crypt, falling back to literal key in table: %v", err)
		useKeyring = false
	} else {
		keyDesc = keyring.DmcryptDescriptor(keyring.DmcryptKeyName(ref), len(key.FEK))
	}
	c.ref = ref

	sectors, err := c.sectors()
	if err != nil {
		_ = c.backing.Teardown(ctx)
		if useKeyring {
			_ = c.kr.RemoveKey(keyring.Dmcrypt, ref, "")
		}
		return fmt.Errorf("sizing dm-crypt table: %w", err)
	}

	table := fmt.Sprintf("0 %d crypt %s %s %d %s 0", sectors, c.cfg.Cipher, keyDesc, c.cfg.IVOffset, c.backing.GetPath())
	if c.cfg.AllowDiscards {
		table += " 1 allow_discards"
	}

	dmsetup, err := bin.FindBin("dmsetup")
	if err != nil {
		_ = c.backing.Teardown(ctx)
		if useKeyring {
			_ = c.kr.RemoveKey(keyring.Dmcrypt, ref, "")
		}
		return fmt.Errorf("locating dmsetup: %w", err)
	}
	cmd := exec.CommandContext(ctx, dmsetup, "create", c.cfg.DeviceName)
	cmd.Stdin = bytes.NewBufferString(table + "\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = c.backing.Teardown(ctx)
		if useKeyring {
			_ = c.kr.RemoveKey(keyring.Dmcrypt, ref, "")
		}
		return fmt.Errorf("dmsetup create %s failed: %w: %s", c.cfg.DeviceName, err, out)
	}
	c.mapped = true

	if useKeyring {
		// After dm-setup consumes the key, invalidate the keyring entry so
		// only the dm-crypt driver retains it (spec §4.2).
		if err := c.kr.RemoveKey(keyring.Dmcrypt, ref, ""); err != nil {
			storagelog.Warningf("invalidating dm-crypt keyring entry: %v", err)
		}
	}

	return c.waitForMapperNode(ctx)
}

func (c *DmcryptContainer) waitForMapperNode(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 50), ctx)
	return backoff.Retry(func() error {
		if c.Exists() {
			return nil
		}
		return fmt.Errorf("waiting for udev to settle %s", c.mapperPath())
	}, b)
}

func (c *DmcryptContainer) Teardown(ctx context.Context) error {
	var firstErr error
	if c.mapped {
		dmsetup, err := bin.FindBin("dmsetup")
		if err != nil {
			firstErr = err
		} else {
			cmd := exec.CommandContext(ctx, dmsetup, "remove", c.cfg.DeviceName)
			if out, err := cmd.CombinedOutput(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("dmsetup remove %s failed: %w: %s", c.cfg.DeviceName, err, out)
			}
		}
		c.mapped = false
	}
	if err := c.backing.Teardown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// EvictKey wipes the dm-crypt mapping's key (device becomes unreadable)
// without removing the mapping (spec §4.3).
func (c *DmcryptContainer) EvictKey(ctx context.Context) error {
	dmsetup, err := bin.FindBin("dmsetup")
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, dmsetup, "message", c.cfg.DeviceName, "0", "key", "wipe")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dmsetup message %s key wipe failed: %w: %s", c.cfg.DeviceName, err, out)
	}
	return nil
}

// RestoreKey rebinds a key evicted by EvictKey without a full Setup.
func (c *DmcryptContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	ref := c.ref
	keyDesc := hex.EncodeToString(key.FEK)
	if err := c.kr.AddKey(keyring.Dmcrypt, key, &ref, ""); err == nil {
		keyDesc = keyring.DmcryptDescriptor(keyring.DmcryptKeyName(ref), len(key.FEK))
	}
	dmsetup, err := bin.FindBin("dmsetup")
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, dmsetup, "message", c.cfg.DeviceName, "0", "key", "set", keyDesc)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dmsetup message %s key set failed: %w: %s", c.cfg.DeviceName, err, out)
	}
	c.ref = ref
	return nil
}

func (c *DmcryptContainer) Reset(ctx context.Context) error {
	return &ErrUnsupported{Op: "Reset", Type: Dmcrypt}
}

func (c *DmcryptContainer) Purge(ctx context.Context) error {
	return c.backing.Purge(ctx)
}

// SetLazyTeardownWhenUnused schedules device-mapper deferred removal of the
// mapping (`dmsetup remove --deferred`). The backing loop device is not
// lazily detached. For a LogicalVolume backing it only logs a warning and
// returns nil (spec §9 Open Questions).
func (c *DmcryptContainer) SetLazyTeardownWhenUnused(ctx context.Context) error {
	if c.backing.GetType() == backingdevice.LogicalVolume {
		storagelog.Warningf("lazy teardown requested for a LogicalVolume-backed dm-crypt container; unsupported, ignoring")
		return nil
	}
	dmsetup, err := bin.FindBin("dmsetup")
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, dmsetup, "remove", "--deferred", c.cfg.DeviceName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dmsetup remove --deferred %s failed: %w: %s", c.cfg.DeviceName, err, out)
	}
	return nil
}

func (c *DmcryptContainer) GetType() Type                 { return Dmcrypt }
func (c *DmcryptContainer) GetBackingLocation() string    { return c.mapperPath() }
func (c *DmcryptContainer) GetReference() fskey.Reference { return c.ref }
