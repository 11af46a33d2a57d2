package container

import (
	"context"
	"fmt"
	"os"

	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/keyring"
)

// DirCryptoKeyState discriminates the on-disk state of a directory that may
// or may not already carry an fscrypt policy (spec §4.3 Fscrypt).
type DirCryptoKeyState int

const (
	NoKey DirCryptoKeyState = iota
	Encrypted
	NotSupported
	DirCryptoUnknown
)

// FscryptContainer backs onto the mount directory itself: Setup adds the key
// (v1 descriptor from FEKSalt, or v2 identifier, as configured) to the
// filesystem of that directory. It does not set an encryption policy on the
// directory.
type FscryptContainer struct {
	mountDir string
	v2       bool
	kr       keyring.Keyring
	ref      fskey.Reference
	// StateProbe reports the directory's current DirCryptoKeyState; injected
	// so tests can simulate kernels without fscrypt support.
	StateProbe func(dir string) (DirCryptoKeyState, error)
}

// NewFscrypt constructs the Fscrypt StorageContainer variant. v2 selects
// FS_IOC_ADD_ENCRYPTION_KEY (policy v2) over the legacy descriptor-based v1
// policy.
func NewFscrypt(mountDir string, v2 bool, kr keyring.Keyring) *FscryptContainer {
	return &FscryptContainer{mountDir: mountDir, v2: v2, kr: kr, StateProbe: defaultStateProbe}
}

func defaultStateProbe(dir string) (DirCryptoKeyState, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NoKey, nil
	}
	return Encrypted, nil
}

func (c *FscryptContainer) Exists() bool {
	state, err := c.StateProbe(c.mountDir)
	return err == nil && state == Encrypted
}

func (c *FscryptContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	state, err := c.StateProbe(c.mountDir)
	if err != nil {
		return err
	}
	// A directory that names itself encrypted but has no readable key
	// state is a fatal inconsistency (spec §4.3, §8 boundary behavior).
	if state == DirCryptoUnknown {
		return fmt.Errorf("fscrypt: %s reports an unknown key state, aborting (fatal)", c.mountDir)
	}
	if !c.Exists() {
		if err := os.MkdirAll(c.mountDir, 0o700); err != nil {
			return err
		}
	}
	ref := fskey.Reference{FEKSig: key.FEKSalt}
	typ := keyring.FscryptV1
	if c.v2 {
		typ = keyring.FscryptV2
	}
	if err := c.kr.AddKey(typ, key, &ref, c.mountDir); err != nil {
		return err
	}
	c.ref = ref
	return nil
}

func (c *FscryptContainer) Teardown(ctx context.Context) error {
	typ := keyring.FscryptV1
	if c.v2 {
		typ = keyring.FscryptV2
	}
	return c.kr.RemoveKey(typ, c.ref, c.mountDir)
}

func (c *FscryptContainer) EvictKey(ctx context.Context) error {
	return &ErrUnsupported{Op: "EvictKey", Type: Fscrypt}
}

func (c *FscryptContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	return &ErrUnsupported{Op: "RestoreKey", Type: Fscrypt}
}

func (c *FscryptContainer) Reset(ctx context.Context) error {
	return &ErrUnsupported{Op: "Reset", Type: Fscrypt}
}

func (c *FscryptContainer) Purge(ctx context.Context) error {
	return os.RemoveAll(c.mountDir)
}

func (c *FscryptContainer) SetLazyTeardownWhenUnused(ctx context.Context) error {
	return &ErrUnsupported{Op: "SetLazyTeardownWhenUnused", Type: Fscrypt}
}

func (c *FscryptContainer) GetType() Type { return Fscrypt }
func (c *FscryptContainer) GetBackingLocation() string    { return c.mountDir }
func (c *FscryptContainer) GetReference() fskey.Reference { return c.ref }
