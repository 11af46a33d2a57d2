package container

import (
	"context"
	"os"

	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/keyring"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// EcryptfsContainer's backing is a plain directory; the kernel mount that
// interprets it as an ecryptfs overlay is performed by the Mounter, not
// here, because ecryptfs is parameterised by mount options built from the
// key reference rather than by anything the container itself can express
// (spec §4.3 Ecryptfs).
type EcryptfsContainer struct {
	vaultDir string
	kr       keyring.Keyring
	ref      fskey.Reference
}

// NewEcryptfs constructs the Ecryptfs StorageContainer variant. vaultDir is
// `<shadow>/<u>/vault`.
func NewEcryptfs(vaultDir string, kr keyring.Keyring) *EcryptfsContainer {
	return &EcryptfsContainer{vaultDir: vaultDir, kr: kr}
}

func (c *EcryptfsContainer) Exists() bool {
	info, err := os.Stat(c.vaultDir)
	return err == nil && info.IsDir()
}

func (c *EcryptfsContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	created := !c.Exists()
	if created {
		if err := os.MkdirAll(c.vaultDir, 0o700); err != nil {
			return err
		}
	}
	ref := fskey.Reference{FEKSig: key.FEKSalt, FNEKSig: key.FNEKSalt}
	if err := c.kr.AddKey(keyring.Ecryptfs, key, &ref, c.vaultDir); err != nil {
		if created {
			if rmErr := os.RemoveAll(c.vaultDir); rmErr != nil {
				storagelog.Warningf("rolling back vault dir %s after failed key insert: %v", c.vaultDir, rmErr)
			}
		}
		return err
	}
	c.ref = ref
	return nil
}

func (c *EcryptfsContainer) Teardown(ctx context.Context) error {
	return c.kr.RemoveKey(keyring.Ecryptfs, c.ref, c.vaultDir)
}

func (c *EcryptfsContainer) EvictKey(ctx context.Context) error {
	return &ErrUnsupported{Op: "EvictKey", Type: Ecryptfs}
}

func (c *EcryptfsContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error {
	return &ErrUnsupported{Op: "RestoreKey", Type: Ecryptfs}
}

func (c *EcryptfsContainer) Reset(ctx context.Context) error {
	return &ErrUnsupported{Op: "Reset", Type: Ecryptfs}
}

func (c *EcryptfsContainer) Purge(ctx context.Context) error {
	return os.RemoveAll(c.vaultDir)
}

func (c *EcryptfsContainer) SetLazyTeardownWhenUnused(ctx context.Context) error {
	return &ErrUnsupported{Op: "SetLazyTeardownWhenUnused", Type: Ecryptfs}
}

func (c *EcryptfsContainer) GetType() Type                 { return Ecryptfs }
func (c *EcryptfsContainer) GetBackingLocation() string    { return c.vaultDir }
func (c *EcryptfsContainer) GetReference() fskey.Reference { return c.ref }
