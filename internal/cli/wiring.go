// Package cli implements the cryptohome-storage command line, wiring
// spf13/cobra subcommands to the pkg/orchestrator, pkg/homedirs, and
// pkg/authsession components. Grounded on the teacher's cmd/internal/cli
// package: one init()-registered command per file, a shared root command
// built by Execute, package-level flag variables bound via pflag.
package cli

import (
	"fmt"

	"github.com/cryptohome/storagecore/internal/config"
	"github.com/cryptohome/storagecore/internal/platform"
	"github.com/cryptohome/storagecore/pkg/backingdevice"
	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/homedirs"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/keyring"
	"github.com/cryptohome/storagecore/pkg/mounter"
	"github.com/cryptohome/storagecore/pkg/orchestrator"
	"github.com/cryptohome/storagecore/pkg/vault"
)

// vaultBuilder is the concrete orchestrator.VaultBuilder: it knows how to
// assemble a real BackingDevice/Keyring/StorageContainer combination for
// each container.Type from the loaded configuration.
type vaultBuilder struct {
	cfg *config.File
}

func newVaultBuilder(cfg *config.File) *vaultBuilder { return &vaultBuilder{cfg: cfg} }

func (b *vaultBuilder) Build(user identity.ObfuscatedUsername, vaultType container.Type) (*vault.CryptohomeVault, error) {
	primary, err := b.buildPrimary(user, vaultType)
	if err != nil {
		return nil, err
	}
	return vault.New(user, primary, nil, nil, nil), nil
}

func (b *vaultBuilder) buildPrimary(user identity.ObfuscatedUsername, vaultType container.Type) (container.StorageContainer, error) {
	vaultDir := fmt.Sprintf("%s/%s/vault", b.cfg.ShadowRoot, user)
	mountDir := fmt.Sprintf("%s/%s/mount", b.cfg.ShadowRoot, user)

	switch vaultType {
	case container.Ecryptfs:
		return container.NewEcryptfs(vaultDir, keyring.New()), nil
	case container.Fscrypt:
		return container.NewFscrypt(mountDir, true, keyring.New()), nil
	case container.Dmcrypt:
		return b.buildDmcrypt(user)
	case container.EcryptfsToFscrypt:
		src := container.NewEcryptfs(vaultDir, keyring.New())
		dst := container.NewFscrypt(mountDir, true, keyring.New())
		return container.NewEcryptfsToFscrypt(src, dst), nil
	case container.EcryptfsToDmcrypt:
		src := container.NewEcryptfs(vaultDir, keyring.New())
		dst, err := b.buildDmcrypt(user)
		if err != nil {
			return nil, err
		}
		return container.NewEcryptfsToDmcrypt(src, dst), nil
	case container.FscryptToDmcrypt:
		src := container.NewFscrypt(mountDir, true, keyring.New())
		dst, err := b.buildDmcrypt(user)
		if err != nil {
			return nil, err
		}
		return container.NewFscryptToDmcrypt(src, dst), nil
	default:
		return nil, fmt.Errorf("vault builder: unsupported vault type %s", vaultType)
	}
}

func (b *vaultBuilder) buildDmcrypt(user identity.ObfuscatedUsername) (container.StorageContainer, error) {
	backingCfg := backingdevice.Config{
		Kind:     backingdevice.LogicalVolume,
		LVName:   fmt.Sprintf("cryptohome-%s", user),
		VG:       b.cfg.LVMVolumeGroup,
		Thinpool: b.cfg.LVMThinpool,
	}
	backing, err := backingdevice.New(backingCfg)
	if err != nil {
		return nil, err
	}

	raw := container.NewDmcrypt(container.DmcryptConfig{
		DeviceName:    fmt.Sprintf("cryptohome-%s", user),
		Cipher:        b.cfg.DmcryptCipher,
		AllowDiscards: b.cfg.AllowDiscards,
	}, backing, keyring.New())

	return container.NewExt4(container.Ext4Config{
		RecoveryPolicy: recoveryPolicyFromString(b.cfg.RecoveryPolicy),
	}, raw), nil
}

func recoveryPolicyFromString(s string) container.RecoveryPolicy {
	switch s {
	case "purge":
		return container.Purge
	case "do_nothing":
		return container.DoNothing
	default:
		return container.EnforceCleaning
	}
}

func (b *vaultBuilder) BuildEphemeral(user identity.ObfuscatedUsername, sizeBytes int64) (*vault.CryptohomeVault, string, error) {
	backingCfg := backingdevice.Config{
		Kind:        backingdevice.Ramdisk,
		BackingFile: fmt.Sprintf("%s/ephemeral_data/%s/ramdisk", b.cfg.EphemeralRoot, user),
		SizeBytes:   sizeBytes,
	}
	backing, err := backingdevice.New(backingCfg)
	if err != nil {
		return nil, "", err
	}

	primary := container.NewEphemeral(container.EphemeralConfig{}, backing)
	v := vault.New(user, primary, nil, nil, nil)
	return v, backing.GetPath(), nil
}

// buildOrchestrator assembles a MountOrchestrator from the active
// configuration: the same paths/platform/policy that a real startup would
// load, shared by every mount/unmount/migrate subcommand so they observe
// consistent state within one process invocation.
func buildOrchestrator() (*orchestrator.MountOrchestrator, error) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		cfg = config.Default()
		config.SetCurrentConfig(cfg)
	}

	hd := homedirs.New(cfg.ShadowRoot, homedirs.Capabilities{
		LVMSupported:     cfg.LVMSupported,
		FscryptSupported: cfg.FscryptSupported,
		LVMMigrationOK:   cfg.LVMSupported,
	}, staticPolicyReader{})

	paths := mounter.Paths{
		ShadowRoot:      cfg.ShadowRoot,
		EphemeralRoot:   cfg.EphemeralRoot,
		DaemonStoreRoot: cfg.DaemonStoreRoot,
		RunDaemonStore:  cfg.RunDaemonStoreRoot,
	}
	m := mounter.New(paths, mounter.Config{
		LegacyMount:        cfg.LegacyMount,
		BindMountDownloads: cfg.BindMountDownloads,
	}, platform.New())

	return orchestrator.New(hd, newVaultBuilder(cfg), m), nil
}

// staticPolicyReader is a conservative PolicyReader stand-in until this
// binary is wired to a real device-policy source (out of scope per spec.md
// §1's device-policy integration boundary — cryptohome in production reads
// this from session_manager over D-Bus, which this module does not speak).
type staticPolicyReader struct{}

func (staticPolicyReader) IsEphemeralUser(identity.ObfuscatedUsername) bool { return false }
func (staticPolicyReader) OwnerUser() identity.ObfuscatedUsername           { return "" }
func (staticPolicyReader) IsEnterpriseEnrolled() bool                       { return false }
