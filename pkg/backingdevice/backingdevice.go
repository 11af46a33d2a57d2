// Package backingdevice implements BackingDevice (spec §4.1): creation,
// attachment, and teardown of the block device that backs a StorageContainer
// — a loopback device over a sparse file, a ramdisk-backed loop device, or a
// thin logical volume.
package backingdevice

import "context"

// Kind discriminates the BackingDeviceConfig tagged union (spec §3).
type Kind int

const (
	Unknown Kind = iota
	Loopback
	Ramdisk
	LogicalVolume
)

func (k Kind) String() string {
	switch k {
	case Loopback:
		return "Loopback"
	case Ramdisk:
		return "Ramdisk"
	case LogicalVolume:
		return "LogicalVolume"
	}
	return "Unknown"
}

// Config is the tagged-union configuration for a BackingDevice (spec §3).
// Only the fields relevant to Kind are meaningful.
type Config struct {
	Kind Kind

	// Loopback / Ramdisk
	BackingFile string
	SizeBytes   int64

	// LogicalVolume
	LVName    string
	VG        string
	Thinpool  string
}

// BackingDevice is the common contract every variant implements (spec §4.1).
type BackingDevice interface {
	// Create allocates the persistent backing storage (sparse file, LV)
	// without attaching it as a live block device.
	Create(ctx context.Context) error
	// Setup attaches the backing storage and exposes it as a block device
	// path. Idempotent with respect to this BackingDevice's own state.
	Setup(ctx context.Context) error
	// Teardown detaches the block device without destroying its backing
	// storage.
	Teardown(ctx context.Context) error
	// Purge releases the underlying persistent storage. Implies a prior
	// Teardown.
	Purge(ctx context.Context) error
	// Exists reports whether persistent backing storage exists on disk.
	Exists() bool
	// GetPath returns the attached block device's path, or "" if not
	// attached.
	GetPath() string
	// GetType returns this BackingDevice's Kind.
	GetType() Kind
}

// New constructs the BackingDevice variant named by cfg.Kind.
func New(cfg Config) (BackingDevice, error) {
	switch cfg.Kind {
	case Loopback:
		return NewLoopback(cfg), nil
	case Ramdisk:
		return NewRamdisk(cfg), nil
	case LogicalVolume:
		return NewLogicalVolume(cfg), nil
	}
	return nil, &UnsupportedKindError{Kind: cfg.Kind}
}

// UnsupportedKindError is returned by New for an unrecognized Kind.
type UnsupportedKindError struct{ Kind Kind }

func (e *UnsupportedKindError) Error() string {
	return "backingdevice: unsupported kind " + e.Kind.String()
}
