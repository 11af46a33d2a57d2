package backingdevice

import (
	"context"
	"fmt"
	"os"

	units "github.com/docker/go-units"

	"github.com/cryptohome/storagecore/internal/fsutil/lock"
	"github.com/cryptohome/storagecore/internal/fsutil/loopdev"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// loopback creates a sparse file of the requested size and attaches it to a
// free loop device (spec §4.1).
type loopback struct {
	cfg    Config
	dev    *loopdev.Device
	number int
	shared bool
}

// NewLoopback constructs the Loopback BackingDevice variant.
func NewLoopback(cfg Config) BackingDevice {
	return &loopback{cfg: cfg}
}

func (l *loopback) Create(ctx context.Context) error {
	if l.Exists() {
		return nil
	}
	f, err := os.OpenFile(l.cfg.BackingFile, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating loopback backing file %s: %w", l.cfg.BackingFile, err)
	}
	defer f.Close()
	if l.cfg.SizeBytes <= 0 {
		os.Remove(l.cfg.BackingFile)
		return fmt.Errorf("refusing to create a zero-byte loopback backing file %s", l.cfg.BackingFile)
	}

	// Byte-range lock the file's full extent while sizing it, so a second
	// process racing to create the same backing file (e.g. a retried Setup
	// after a crash) observes a consistent length rather than truncating
	// out from under an in-progress write.
	rng := lock.NewByteRange(int(f.Fd()), 0, l.cfg.SizeBytes)
	if err := rng.Lock(); err != nil {
		os.Remove(l.cfg.BackingFile)
		return fmt.Errorf("locking loopback backing file %s: %w", l.cfg.BackingFile, err)
	}
	defer rng.Unlock()

	if err := f.Truncate(l.cfg.SizeBytes); err != nil {
		os.Remove(l.cfg.BackingFile)
		return fmt.Errorf("sizing loopback backing file %s to %d bytes: %w", l.cfg.BackingFile, l.cfg.SizeBytes, err)
	}
	storagelog.Debugf("created loopback backing file %s (%s)", l.cfg.BackingFile, units.HumanSize(float64(l.cfg.SizeBytes)))
	return nil
}

func (l *loopback) Setup(ctx context.Context) error {
	if l.dev != nil && l.dev.Path() != "" {
		return nil
	}
	if !l.Exists() {
		if err := l.Create(ctx); err != nil {
			return err
		}
	}
	d := &loopdev.Device{
		MaxLoopDevices: 256,
		Shared:         l.shared,
		Info:           &loopdev.Info64{},
	}
	copy(d.Info.FileName[:], l.cfg.BackingFile)
	number := 0
	if err := d.AttachFromPath(l.cfg.BackingFile, os.O_RDWR, &number); err != nil {
		return fmt.Errorf("attaching loopback device for %s: %w", l.cfg.BackingFile, err)
	}
	l.dev = d
	l.number = number
	storagelog.Debugf("attached %s at %s", l.cfg.BackingFile, d.Path())
	return nil
}

func (l *loopback) Teardown(ctx context.Context) error {
	if l.dev == nil {
		return nil
	}
	if err := loopdev.Detach(l.dev.Path()); err != nil {
		storagelog.Warningf("detaching loop device %s: %v", l.dev.Path(), err)
	}
	err := l.dev.Close()
	l.dev = nil
	return err
}

func (l *loopback) Purge(ctx context.Context) error {
	if err := l.Teardown(ctx); err != nil {
		storagelog.Warningf("teardown during purge of %s: %v", l.cfg.BackingFile, err)
	}
	if err := os.Remove(l.cfg.BackingFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purging loopback backing file %s: %w", l.cfg.BackingFile, err)
	}
	return nil
}

func (l *loopback) Exists() bool {
	_, err := os.Stat(l.cfg.BackingFile)
	return err == nil
}

func (l *loopback) GetPath() string {
	if l.dev == nil {
		return ""
	}
	return l.dev.Path()
}

func (l *loopback) GetType() Kind { return Loopback }
