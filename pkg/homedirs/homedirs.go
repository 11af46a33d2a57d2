// Package homedirs implements HomeDirs (spec §4.5): per-user shadow-root
// enumeration, the vault-type election algorithm, and policy-driven
// removal of cryptohomes.
package homedirs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/errs"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// Observed is the on-disk state table from spec §4.5 step 1, plus Unknown
// for a brand-new user.
type Observed int

const (
	ObservedUnknown Observed = iota
	ObservedEcryptfs
	ObservedFscrypt
	ObservedDmcrypt
	ObservedEcryptfsToFscrypt
	ObservedEcryptfsToDmcrypt
	ObservedFscryptToDmcrypt
)

func (o Observed) isMigrating() bool {
	switch o {
	case ObservedEcryptfsToFscrypt, ObservedEcryptfsToDmcrypt, ObservedFscryptToDmcrypt:
		return true
	}
	return false
}

// observedTable implements spec §4.5 step 1's truth table.
func observedTable(ecryptfs, fscrypt, dmcrypt bool) Observed {
	switch {
	case ecryptfs && fscrypt && !dmcrypt:
		return ObservedEcryptfsToFscrypt
	case ecryptfs && !fscrypt && dmcrypt:
		return ObservedEcryptfsToDmcrypt
	case ecryptfs && !fscrypt && !dmcrypt:
		return ObservedEcryptfs
	case !ecryptfs && fscrypt && dmcrypt:
		return ObservedFscryptToDmcrypt
	case !ecryptfs && fscrypt && !dmcrypt:
		return ObservedFscrypt
	case !ecryptfs && !fscrypt && dmcrypt:
		return ObservedDmcrypt
	default:
		return ObservedUnknown
	}
}

// Options mirrors spec §4.5's Options struct.
type Options struct {
	ForceType     container.Type // zero value (Unknown) means "no override"
	Migrate       bool
	BlockEcryptfs bool
}

// Capabilities reports device-wide encryption support (spec §4.5).
type Capabilities struct {
	LVMSupported     bool
	FscryptSupported bool
	LVMMigrationOK   bool // LVM available specifically as a migration target
}

// DiskState is the existing on-disk observation for one user, gathered by
// HomeDirs before calling PickVaultType.
type DiskState struct {
	EcryptfsVaultExists  bool
	FscryptPolicyExists  bool
	DmcryptLVExists      bool
}

// PolicyReader is the opaque owner/enterprise policy collaborator (spec §1
// Out-of-scope, §4.5): out-of-scope except for this narrow interface.
type PolicyReader interface {
	// IsEphemeralUser reports whether u's cryptohome should be wiped on
	// logout per device policy.
	IsEphemeralUser(u identity.ObfuscatedUsername) bool
	// OwnerUser returns the device owner's obfuscated username, or "" if
	// the device has no owner (e.g. not yet taken).
	OwnerUser() identity.ObfuscatedUsername
	// IsEnterpriseEnrolled reports whether the device is enterprise-managed.
	IsEnterpriseEnrolled() bool
}

// HomeDirs owns the shadow root and runs vault-type election and removal.
type HomeDirs struct {
	ShadowRoot string
	Caps       Capabilities
	Policy     PolicyReader
}

// New constructs a HomeDirs rooted at shadowRoot (conventionally
// `/home/.shadow`).
func New(shadowRoot string, caps Capabilities, policy PolicyReader) *HomeDirs {
	return &HomeDirs{ShadowRoot: shadowRoot, Caps: caps, Policy: policy}
}

// ObserveDiskState inspects on-disk state for u directly, used as the
// default DiskState source when a caller has not already gathered one from
// its own container probes.
func (h *HomeDirs) ObserveDiskState(u identity.ObfuscatedUsername) DiskState {
	base := filepath.Join(h.ShadowRoot, string(u))
	var s DiskState
	if fi, err := os.Stat(filepath.Join(base, "vault")); err == nil && fi.IsDir() {
		s.EcryptfsVaultExists = true
	}
	if fi, err := os.Stat(filepath.Join(base, "mount")); err == nil && fi.IsDir() {
		// A mount/ directory alone isn't proof of an fscrypt policy; callers
		// that can probe the kernel policy state should override this via a
		// more precise DiskState.
		s.FscryptPolicyExists = true
	}
	return s
}

// PickVaultType runs the spec §4.5 election algorithm: observe, promote,
// reject, or select fresh.
func (h *HomeDirs) PickVaultType(disk DiskState, opts Options) (container.Type, error) {
	observed := observedTable(disk.EcryptfsVaultExists, disk.FscryptPolicyExists, disk.DmcryptLVExists)

	promoted := observed
	if opts.Migrate {
		switch observed {
		case ObservedEcryptfs:
			if h.Caps.LVMMigrationOK {
				promoted = ObservedEcryptfsToDmcrypt
			} else {
				promoted = ObservedEcryptfsToFscrypt
			}
		case ObservedFscrypt:
			promoted = ObservedFscryptToDmcrypt
		}
	}

	if err := h.reject(observed, promoted, opts); err != nil {
		return container.Unknown, err
	}

	if promoted != ObservedUnknown {
		return observedToType(promoted), nil
	}

	if opts.ForceType != container.Unknown {
		return opts.ForceType, nil
	}
	return h.freshType(), nil
}

// reject implements spec §4.5 step 3's three rejection kinds. observed is
// the raw on-disk observation (step 1); promoted is observed after step 2's
// promotion rules have been applied.
func (h *HomeDirs) reject(observed, promoted Observed, opts Options) error {
	if observed == ObservedEcryptfs && opts.BlockEcryptfs && !opts.Migrate {
		return errs.New(errs.OldEncryption, "HomeDirs.PickVaultType")
	}
	if observed.isMigrating() && !opts.Migrate {
		return errs.New(errs.PreviousMigrationIncomplete, "HomeDirs.PickVaultType")
	}
	// Promotion (step 2) already turns every migration-eligible observed
	// type into a migrating one; anything still non-migrating here under
	// migrate=true is either Dmcrypt (nothing left to migrate to) or
	// Unknown (no vault exists) — both are "unexpected mount type".
	if opts.Migrate && !promoted.isMigrating() {
		return errs.New(errs.UnexpectedMountType, "HomeDirs.PickVaultType")
	}
	return nil
}

func observedToType(o Observed) container.Type {
	switch o {
	case ObservedEcryptfs:
		return container.Ecryptfs
	case ObservedFscrypt:
		return container.Fscrypt
	case ObservedDmcrypt:
		return container.Dmcrypt
	case ObservedEcryptfsToFscrypt:
		return container.EcryptfsToFscrypt
	case ObservedEcryptfsToDmcrypt:
		return container.EcryptfsToDmcrypt
	case ObservedFscryptToDmcrypt:
		return container.FscryptToDmcrypt
	}
	return container.Unknown
}

// freshType implements spec §4.5 step 5's fallback chain for a brand-new
// user: Dmcrypt if LVM-supported, else Fscrypt if the kernel supports it,
// else Ecryptfs.
func (h *HomeDirs) freshType() container.Type {
	switch {
	case h.Caps.LVMSupported:
		return container.Dmcrypt
	case h.Caps.FscryptSupported:
		return container.Fscrypt
	default:
		return container.Ecryptfs
	}
}

// MountedChecker reports whether a user's cryptohome is currently mounted;
// implemented by the Mounter/MountOrchestrator layer.
type MountedChecker interface {
	IsMounted(u identity.ObfuscatedUsername) bool
}

// RemoveCryptohomesBasedOnPolicy enumerates shadow-root directories,
// excludes mounted ones, consults PolicyReader for each obfuscated
// username, and removes those the policy marks ephemeral — never removing
// the owner's vault on a non-enterprise device (spec §4.5, supplemented
// from original_source/cryptohome/storage/homedirs.cc).
func (h *HomeDirs) RemoveCryptohomesBasedOnPolicy(ctx context.Context, mounted MountedChecker) error {
	entries, err := os.ReadDir(h.ShadowRoot)
	if err != nil {
		return err
	}
	owner := h.Policy.OwnerUser()
	enterprise := h.Policy.IsEnterpriseEnrolled()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		u := identity.ObfuscatedUsername(entry.Name())
		if !isObfuscatedUsername(string(u)) {
			continue
		}
		if mounted.IsMounted(u) {
			continue
		}
		if u == owner && !enterprise {
			continue
		}
		if !h.Policy.IsEphemeralUser(u) {
			continue
		}
		path := filepath.Join(h.ShadowRoot, string(u))
		if err := os.RemoveAll(path); err != nil {
			storagelog.Warningf("removing cryptohome %s under policy: %v", u, err)
			continue
		}
		storagelog.Infof("removed cryptohome %s per ephemeral-user policy", u)
	}
	return nil
}

// isObfuscatedUsername rejects shadow-root entries that are not 64-char
// lowercase hex (e.g. "root", "low_entropy_creds", lost+found).
func isObfuscatedUsername(name string) bool {
	if len(name) != 64 {
		return false
	}
	for _, r := range name {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
