// Package container implements StorageContainer (spec §4.3): a polymorphic
// encryption/storage layer with concrete variants for eCryptfs, fscrypt
// v1/v2, dm-crypt (raw and ext4-wrapped), ephemeral ramdisk-backed ext4, and
// three migrating pseudo-types that compose a source and destination
// container. Modeled as a tagged variant behind a common interface (spec
// §9: "avoid any form of dynamic inheritance with shared mutable base
// state"); all cross-variant orchestration logic lives in CryptohomeVault.
package container

import (
	"context"

	"github.com/cryptohome/storagecore/pkg/fskey"
)

// Type is the StorageContainerType tagged union (spec §3).
type Type int

const (
	Unknown Type = iota
	Ecryptfs
	Fscrypt
	Dmcrypt
	Ext4
	Ephemeral
	EcryptfsToFscrypt
	EcryptfsToDmcrypt
	FscryptToDmcrypt
)

func (t Type) String() string {
	switch t {
	case Ecryptfs:
		return "Ecryptfs"
	case Fscrypt:
		return "Fscrypt"
	case Dmcrypt:
		return "Dmcrypt"
	case Ext4:
		return "Ext4"
	case Ephemeral:
		return "Ephemeral"
	case EcryptfsToFscrypt:
		return "EcryptfsToFscrypt"
	case EcryptfsToDmcrypt:
		return "EcryptfsToDmcrypt"
	case FscryptToDmcrypt:
		return "FscryptToDmcrypt"
	}
	return "Unknown"
}

// IsMigrating reports whether t is one of the XToY migrating variants.
func (t Type) IsMigrating() bool {
	switch t {
	case EcryptfsToFscrypt, EcryptfsToDmcrypt, FscryptToDmcrypt:
		return true
	}
	return false
}

// ErrUnsupported is returned by operations a variant does not implement
// (EvictKey/RestoreKey on non-dm-crypt containers, Reset on non-disposable
// containers, and so on).
type ErrUnsupported struct {
	Op   string
	Type Type
}

func (e *ErrUnsupported) Error() string {
	return e.Op + " is unsupported on " + e.Type.String() + " containers"
}

// StorageContainer is the common contract every variant implements (spec
// §4.3's operation table).
type StorageContainer interface {
	// Exists reports whether persistent state exists on disk for this
	// container. Side-effect-free.
	Exists() bool
	// Setup makes the container's content accessible at
	// GetBackingLocation. Must be atomic on failure.
	Setup(ctx context.Context, key fskey.FileSystemKey) error
	// Teardown reverses Setup; always attempts best-effort release of every
	// sub-resource even on partial failure.
	Teardown(ctx context.Context) error
	// EvictKey makes data unreadable without a full Teardown. Only
	// meaningful for dm-crypt-backed variants.
	EvictKey(ctx context.Context) error
	// RestoreKey rebinds a key evicted by EvictKey, without a full Setup.
	RestoreKey(ctx context.Context, key fskey.FileSystemKey) error
	// Reset re-initializes disposable content (ephemeral, dm-crypt cache).
	Reset(ctx context.Context) error
	// Purge deletes all persistent state. Implies a prior Teardown.
	Purge(ctx context.Context) error
	// SetLazyTeardownWhenUnused schedules deferred device-mapper removal
	// and loopback lazy-detach, if supported by this variant.
	SetLazyTeardownWhenUnused(ctx context.Context) error
	// GetType returns this container's Type.
	GetType() Type
	// GetBackingLocation returns the path at which the container's content
	// is accessible once Setup has succeeded.
	GetBackingLocation() string
	// GetReference returns the non-secret key reference currently bound to
	// this container (updated in-place by Setup for fscrypt v2).
	GetReference() fskey.Reference
}

// MigratingContainer is implemented by the three XToY variants, exposing
// their source and destination children so the Mounter can mount each at
// its own mount point (spec §4.3 "Migrating", §4.6 migration mount recipe).
type MigratingContainer interface {
	StorageContainer
	Source() StorageContainer
	Destination() StorageContainer
}
