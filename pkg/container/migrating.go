package container

import (
	"context"
	"fmt"

	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// migratingContainer composes a source and destination StorageContainer:
// src is the existing, about-to-be-retired encryption scheme; dst is the
// target scheme being migrated to. Setup brings both up at the locations
// they were constructed with; the Mounter then mounts src at
// temporary_mount/ and dst at mount/. Exists reflects src,
// since a migrating container's identity belongs to the not-yet-completed
// source (spec §4.3 EcryptfsToFscrypt / EcryptfsToDmcrypt / FscryptToDmcrypt,
// §5 supplemented from dircrypto_migration_helper_delegate.cc).
type migratingContainer struct {
	typ Type
	src StorageContainer
	dst StorageContainer
}

func newMigrating(typ Type, src, dst StorageContainer) *migratingContainer {
	return &migratingContainer{typ: typ, src: src, dst: dst}
}

// NewEcryptfsToFscrypt constructs the EcryptfsToFscrypt migrating variant.
func NewEcryptfsToFscrypt(src *EcryptfsContainer, dst *FscryptContainer) StorageContainer {
	return newMigrating(EcryptfsToFscrypt, src, dst)
}

// NewEcryptfsToDmcrypt constructs the EcryptfsToDmcrypt migrating variant.
func NewEcryptfsToDmcrypt(src *EcryptfsContainer, dst StorageContainer) StorageContainer {
	return newMigrating(EcryptfsToDmcrypt, src, dst)
}

// NewFscryptToDmcrypt constructs the FscryptToDmcrypt migrating variant.
func NewFscryptToDmcrypt(src *FscryptContainer, dst StorageContainer) StorageContainer {
	return newMigrating(FscryptToDmcrypt, src, dst)
}

func (c *migratingContainer) Exists() bool { return c.src.Exists() }

// Setup brings both the source and destination containers up: the migration
// helper (owned by Mounter) reads from src's backing location and writes
// into dst's, so both must be live simultaneously. Both are set up with the
// same key; if dst fails, src is torn down again.
func (c *migratingContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	if err := c.src.Setup(ctx, key); err != nil {
		return fmt.Errorf("%s: bringing up migration source: %w", c.typ, err)
	}
	if err := c.dst.Setup(ctx, key); err != nil {
		if tErr := c.src.Teardown(ctx); tErr != nil {
			storagelog.Warningf("%s: tearing down source after failed dst setup: %v", c.typ, tErr)
		}
		return fmt.Errorf("%s: bringing up migration destination: %w", c.typ, err)
	}
	return nil
}

// Teardown always attempts both legs, aggregating the first error but
// never short-circuiting (spec §4.3 general Teardown contract).
func (c *migratingContainer) Teardown(ctx context.Context) error {
	var firstErr error
	if err := c.dst.Teardown(ctx); err != nil {
		firstErr = fmt.Errorf("%s: tearing down destination: %w", c.typ, err)
	}
	if err := c.src.Teardown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%s: tearing down source: %w", c.typ, err)
	}
	return firstErr
}

func (c *migratingContainer) EvictKey(ctx context.Context) error {
	return &ErrUnsupported{Op: "EvictKey", Type: c.typ}
}

func (c *migratingContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	return &ErrUnsupported{Op: "RestoreKey", Type: c.typ}
}

func (c *migratingContainer) Reset(ctx context.Context) error {
	return &ErrUnsupported{Op: "Reset", Type: c.typ}
}

// Purge is unsupported on a migrating container. After a finished
// migration the orchestrator purges the source through Source().
func (c *migratingContainer) Purge(ctx context.Context) error {
	return &ErrUnsupported{Op: "Purge", Type: c.typ}
}

func (c *migratingContainer) SetLazyTeardownWhenUnused(ctx context.Context) error {
	return &ErrUnsupported{Op: "SetLazyTeardownWhenUnused", Type: c.typ}
}

func (c *migratingContainer) GetType() Type              { return c.typ }
func (c *migratingContainer) GetBackingLocation() string { return c.src.GetBackingLocation() }
func (c *migratingContainer) GetReference() fskey.Reference {
	return c.src.GetReference()
}

// Source exposes the migration source container so the Mounter's migration
// helper can read the pre-migration tree.
func (c *migratingContainer) Source() StorageContainer { return c.src }

// Destination exposes the migration destination container so the Mounter's
// migration helper can write the post-migration tree.
func (c *migratingContainer) Destination() StorageContainer { return c.dst }
