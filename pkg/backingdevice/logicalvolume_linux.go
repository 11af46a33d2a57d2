package backingdevice

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cryptohome/storagecore/internal/fsutil/bin"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// logicalVolume requires a preconfigured (volume group, thinpool); Setup
// creates a thin LV sized per cfg.SizeBytes if it does not already exist
// (spec §4.1 LogicalVolume).
type logicalVolume struct {
	cfg Config
}

// NewLogicalVolume constructs the LogicalVolume BackingDevice variant.
func NewLogicalVolume(cfg Config) BackingDevice {
	return &logicalVolume{cfg: cfg}
}

func (lv *logicalVolume) devicePath() string {
	return fmt.Sprintf("/dev/%s/%s", lv.cfg.VG, lv.cfg.LVName)
}

func (lv *logicalVolume) Exists() bool {
	_, err := os.Stat(lv.devicePath())
	return err == nil
}

func (lv *logicalVolume) Create(ctx context.Context) error {
	if lv.Exists() {
		return nil
	}
	lvcreate, err := bin.FindBin("lvcreate")
	if err != nil {
		return fmt.Errorf("locating lvcreate: %w", err)
	}
	if lv.cfg.SizeBytes <= 0 {
		return fmt.Errorf("refusing to create zero-size logical volume %s", lv.cfg.LVName)
	}
	args := []string{
		"--thin", "-V", fmt.Sprintf("%dB", lv.cfg.SizeBytes),
		"-n", lv.cfg.LVName,
		fmt.Sprintf("%s/%s", lv.cfg.VG, lv.cfg.Thinpool),
	}
	cmd := exec.CommandContext(ctx, lvcreate, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lvcreate %s/%s failed: %w: %s", lv.cfg.VG, lv.cfg.LVName, err, out)
	}
	return nil
}

// Setup creates the LV if absent, then waits for udev to settle the device
// node (the same "wait for /dev node to appear" pattern the dm-crypt
// container's Setup uses after building its table).
func (lv *logicalVolume) Setup(ctx context.Context) error {
	if err := lv.Create(ctx); err != nil {
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 50), ctx)
	return backoff.Retry(func() error {
		if lv.Exists() {
			return nil
		}
		return fmt.Errorf("waiting for %s to appear", lv.devicePath())
	}, b)
}

// Teardown is a no-op: a logical volume has no separate attach/detach step
// beyond existing, unlike a loop device.
func (lv *logicalVolume) Teardown(ctx context.Context) error {
	return nil
}

func (lv *logicalVolume) Purge(ctx context.Context) error {
	if !lv.Exists() {
		return nil
	}
	lvremove, err := bin.FindBin("lvremove")
	if err != nil {
		return fmt.Errorf("locating lvremove: %w", err)
	}
	cmd := exec.CommandContext(ctx, lvremove, "-f", fmt.Sprintf("%s/%s", lv.cfg.VG, lv.cfg.LVName))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lvremove %s/%s failed: %w: %s", lv.cfg.VG, lv.cfg.LVName, err, out)
	}
	storagelog.Debugf("purged logical volume %s/%s", lv.cfg.VG, lv.cfg.LVName)
	return nil
}

func (lv *logicalVolume) GetPath() string {
	if !lv.Exists() {
		return ""
	}
	return lv.devicePath()
}

func (lv *logicalVolume) GetType() Kind { return LogicalVolume }
