// Package vault implements CryptohomeVault (spec §4.4): composition of a
// primary container plus optional migrating/cache/per-application
// containers, with atomic setup, always-attempted teardown, and
// best-effort key eviction/restoration across the whole set.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// MountType is the coarse enum the Mounter selects its mount recipe from,
// derived from the vault's primary container type (spec §4.4).
type MountType int

const (
	MountTypeUnknown MountType = iota
	MountTypeEcryptfs
	MountTypeDircrypto
	MountTypeDmcrypt
	MountTypeEcryptfsToDircrypto
	MountTypeEcryptfsToDmcrypt
	MountTypeDircryptoToDmcrypt
	MountTypeEphemeral
)

// CryptohomeVault owns every StorageContainer for one user (spec §3: exactly
// one primary; migrating non-nil iff primary.type is a migrating variant;
// cache present iff the effective type is Dmcrypt, raw or ext4-wrapped).
type CryptohomeVault struct {
	User     identity.ObfuscatedUsername
	Primary  container.StorageContainer
	Migrating container.StorageContainer // nil unless Primary.GetType().IsMigrating()
	Cache    container.StorageContainer  // nil unless effective type is Dmcrypt/Ext4
	Apps     map[string]container.StorageContainer

	setUp []container.StorageContainer // containers brought up so far, in order, for rollback
}

// New constructs a CryptohomeVault. apps may be nil.
func New(user identity.ObfuscatedUsername, primary, migrating, cache container.StorageContainer, apps map[string]container.StorageContainer) *CryptohomeVault {
	if apps == nil {
		apps = map[string]container.StorageContainer{}
	}
	return &CryptohomeVault{User: user, Primary: primary, Migrating: migrating, Cache: cache, Apps: apps}
}

// Setup brings up primary, then migrating (if present), then cache (if
// present), then each app container, in that order. On any failure,
// already-set-up containers are torn down in reverse order and the error is
// returned (spec §4.4).
func (v *CryptohomeVault) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	v.setUp = v.setUp[:0]

	bringUp := func(name string, c container.StorageContainer) error {
		if c == nil {
			return nil
		}
		if err := c.Setup(ctx, key); err != nil {
			v.rollback(ctx)
			return fmt.Errorf("vault %s: setting up %s: %w", v.User, name, err)
		}
		v.setUp = append(v.setUp, c)
		return nil
	}

	if err := bringUp("primary", v.Primary); err != nil {
		return err
	}
	if err := bringUp("migrating", v.Migrating); err != nil {
		return err
	}
	if err := bringUp("cache", v.Cache); err != nil {
		return err
	}
	for name, app := range v.Apps {
		if err := bringUp("app:"+name, app); err != nil {
			return err
		}
	}
	return nil
}

func (v *CryptohomeVault) rollback(ctx context.Context) {
	for i := len(v.setUp) - 1; i >= 0; i-- {
		if err := v.setUp[i].Teardown(ctx); err != nil {
			storagelog.Warningf("vault %s: rollback teardown of %s failed: %v", v.User, v.setUp[i].GetType(), err)
		}
	}
	v.setUp = v.setUp[:0]
}

// Teardown runs unconditionally across every present container, aggregating
// but never short-circuiting on individual failures (spec §4.4).
func (v *CryptohomeVault) Teardown(ctx context.Context) error {
	var result *multierror.Error

	for name, app := range v.Apps {
		if err := app.Teardown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("app %s: %w", name, err))
		}
	}
	if v.Cache != nil {
		if err := v.Cache.Teardown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("cache: %w", err))
		}
	}
	if v.Migrating != nil {
		if err := v.Migrating.Teardown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("migrating: %w", err))
		}
	}
	if v.Primary != nil {
		if err := v.Primary.Teardown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("primary: %w", err))
		}
	}
	v.setUp = v.setUp[:0]
	return result.ErrorOrNil()
}

// EvictKey propagates only to containers whose type supports it; containers
// that return ErrUnsupported are treated as a no-op success so a whole-vault
// eviction is a single call (spec §4.4).
func (v *CryptohomeVault) EvictKey(ctx context.Context) error {
	return v.forEach(func(c container.StorageContainer) error { return c.EvictKey(ctx) })
}

// RestoreKey is the EvictKey counterpart.
func (v *CryptohomeVault) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	return v.forEach(func(c container.StorageContainer) error { return c.RestoreKey(ctx, key) })
}

func (v *CryptohomeVault) forEach(op func(container.StorageContainer) error) error {
	var result *multierror.Error
	apply := func(name string, c container.StorageContainer) {
		if c == nil {
			return
		}
		if err := op(c); err != nil {
			var unsupported *container.ErrUnsupported
			if errorsAs(err, &unsupported) {
				return
			}
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}
	apply("primary", v.Primary)
	apply("migrating", v.Migrating)
	apply("cache", v.Cache)
	for name, app := range v.Apps {
		apply("app:"+name, app)
	}
	return result.ErrorOrNil()
}

// errorsAs is a tiny local shim so this file need not import "errors"
// alongside go-multierror's own wrapping.
func errorsAs(err error, target **container.ErrUnsupported) bool {
	for err != nil {
		if u, ok := err.(*container.ErrUnsupported); ok {
			*target = u
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Purge deletes the primary's persistent state. The caller must ensure the
// vault has already been torn down (spec §4.4).
func (v *CryptohomeVault) Purge(ctx context.Context) error {
	if v.Primary == nil {
		return fmt.Errorf("vault %s: no primary container", v.User)
	}
	return v.Primary.Purge(ctx)
}

// MountType derives the coarse mount-recipe selector from the primary
// container's type (spec §4.4, consumed by Mounter.PerformMount).
func (v *CryptohomeVault) MountType() MountType {
	if v.Primary == nil {
		return MountTypeUnknown
	}
	switch v.Primary.GetType() {
	case container.Ecryptfs:
		return MountTypeEcryptfs
	case container.Fscrypt:
		return MountTypeDircrypto
	case container.Dmcrypt, container.Ext4:
		return MountTypeDmcrypt
	case container.Ephemeral:
		return MountTypeEphemeral
	case container.EcryptfsToFscrypt:
		return MountTypeEcryptfsToDircrypto
	case container.EcryptfsToDmcrypt:
		return MountTypeEcryptfsToDmcrypt
	case container.FscryptToDmcrypt:
		return MountTypeDircryptoToDmcrypt
	}
	return MountTypeUnknown
}
