// Package keyring provisions and revokes filesystem keys in kernel keyrings
// (spec §4.2): eCryptfs auth tokens, fscrypt v1/v2 policy keys, and dm-crypt
// logon keys. Grounded on the vendored google/fscrypt keyring code (the
// FS_IOC_ADD_ENCRYPTION_KEY/FS_IOC_REMOVE_ENCRYPTION_KEY raw-ioctl dispatch
// by key-descriptor length) and the teacher's raw-ioctl style in
// pkg/util/loop for building argument structs by hand.
package keyring

import (
	"fmt"

	"github.com/cryptohome/storagecore/pkg/errs"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// Type discriminates which kernel mechanism AddKey/RemoveKey should use.
type Type int

const (
	Ecryptfs Type = iota
	FscryptV1
	FscryptV2
	Dmcrypt
)

func (t Type) String() string {
	switch t {
	case Ecryptfs:
		return "Ecryptfs"
	case FscryptV1:
		return "FscryptV1"
	case FscryptV2:
		return "FscryptV2"
	case Dmcrypt:
		return "Dmcrypt"
	}
	return "Unknown"
}

// Keyring is the narrow interface StorageContainer variants depend on,
// letting tests substitute a fake implementation instead of touching the
// real kernel keyring.
type Keyring interface {
	// AddKey provisions key material of the given type. ref is in-out: for
	// FscryptV2 the kernel-computed identifier overwrites ref.FEKSig.
	AddKey(t Type, key fskey.FileSystemKey, ref *fskey.Reference, mountpoint string) error
	// RemoveKey evicts a previously provisioned key. A missing reference is
	// not fatal on teardown; callers log and continue.
	RemoveKey(t Type, ref fskey.Reference, mountpoint string) error
}

// DmcryptDescriptor is the `:<size>:logon:<name>` table fragment a dm-crypt
// StorageContainer substitutes into its table line once the key has been
// inserted into the kernel keyring (spec §4.2, §6).
func DmcryptDescriptor(name string, keyBytes int) string {
	return fmt.Sprintf(":%d:logon:%s", keyBytes, name)
}

// DmcryptKeyName returns the kernel key description used for a dm-crypt
// logon key, keyed by the non-secret FEK signature (spec §4.2).
func DmcryptKeyName(ref fskey.Reference) string {
	return fmt.Sprintf("dmcrypt:%s", ref.HexFEKSig())
}

func newKeyringError(op string, err error) error {
	return errs.Wrap(errs.KeyringFailed, op, err)
}

func logRemoveFailure(op string, err error) {
	storagelog.Warningf("%s: %v (non-fatal on teardown)", op, err)
}
