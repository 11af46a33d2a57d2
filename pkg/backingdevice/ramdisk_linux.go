package backingdevice

import (
	"context"
	"fmt"
	"os"

	"github.com/cryptohome/storagecore/internal/fsutil/loopdev"
)

// ramdisk creates a file under a tmpfs-backed ephemeral root and attaches it
// as a loop device (spec §4.1, ephemeral users). Teardown only detaches the
// loop device; Purge also removes the file, and EphemeralContainer's
// Teardown calls Purge.
type ramdisk struct {
	cfg Config
	dev *loopdev.Device
}

// NewRamdisk constructs the Ramdisk BackingDevice variant.
func NewRamdisk(cfg Config) BackingDevice {
	return &ramdisk{cfg: cfg}
}

func (r *ramdisk) Create(ctx context.Context) error {
	f, err := os.OpenFile(r.cfg.BackingFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating ramdisk backing file %s: %w", r.cfg.BackingFile, err)
	}
	defer f.Close()
	if r.cfg.SizeBytes <= 0 {
		os.Remove(r.cfg.BackingFile)
		return fmt.Errorf("refusing to create a zero-byte ramdisk backing file %s", r.cfg.BackingFile)
	}
	return f.Truncate(r.cfg.SizeBytes)
}

func (r *ramdisk) Setup(ctx context.Context) error {
	if r.dev != nil && r.dev.Path() != "" {
		return nil
	}
	if err := r.Create(ctx); err != nil {
		return err
	}
	d := &loopdev.Device{MaxLoopDevices: 256, Info: &loopdev.Info64{}}
	number := 0
	if err := d.AttachFromPath(r.cfg.BackingFile, os.O_RDWR, &number); err != nil {
		return fmt.Errorf("attaching ramdisk loop device for %s: %w", r.cfg.BackingFile, err)
	}
	r.dev = d
	return nil
}

func (r *ramdisk) Teardown(ctx context.Context) error {
	if r.dev == nil {
		return nil
	}
	err := loopdev.Detach(r.dev.Path())
	closeErr := r.dev.Close()
	r.dev = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Purge always removes the ramdisk backing file; a ramdisk never has
// persistent state worth preserving.
func (r *ramdisk) Purge(ctx context.Context) error {
	_ = r.Teardown(ctx)
	if err := os.Remove(r.cfg.BackingFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purging ramdisk backing file %s: %w", r.cfg.BackingFile, err)
	}
	return nil
}

// Exists always reports false: ephemeral backing is recreated on every
// Setup (spec §4.3 Ephemeral).
func (r *ramdisk) Exists() bool { return false }

func (r *ramdisk) GetPath() string {
	if r.dev == nil {
		return ""
	}
	return r.dev.Path()
}

func (r *ramdisk) GetType() Kind { return Ramdisk }
