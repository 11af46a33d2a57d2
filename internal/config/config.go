// Package config loads the storage core's TOML configuration file, the
// ambient-stack analog of the teacher's apptainerconf package but backed by
// a real TOML parser instead of a hand-rolled directive template.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// File mirrors the on-disk TOML configuration. Default supplies a value for
// every field, so a missing config file still yields a usable File.
type File struct {
	ShadowRoot        string `toml:"shadow_root"`
	EphemeralRoot     string `toml:"ephemeral_root"`
	DaemonStoreRoot   string `toml:"daemon_store_root"`
	RunDaemonStoreRoot string `toml:"run_daemon_store_root"`

	MaxLoopDevices    int  `toml:"max_loop_devices"`
	SharedLoopDevices bool `toml:"shared_loop_devices"`

	AllowEcryptfs  bool   `toml:"allow_ecryptfs"`
	ForceVaultType string `toml:"force_vault_type"`
	LVMSupported   bool   `toml:"lvm_supported"`
	FscryptSupported bool `toml:"fscrypt_supported"`

	LVMVolumeGroup string `toml:"lvm_volume_group"`
	LVMThinpool    string `toml:"lvm_thinpool"`

	DmcryptCipher  string `toml:"dmcrypt_cipher"`
	AllowDiscards  bool   `toml:"allow_discards"`

	RecoveryPolicy string `toml:"recovery_policy"`

	LegacyMount        bool `toml:"legacy_mount"`
	BindMountDownloads bool `toml:"bind_mount_downloads"`

	BinaryPath string `toml:"binary_path"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *File {
	return &File{
		ShadowRoot:         "/home/.shadow",
		EphemeralRoot:      "/run/cryptohome/ephemeral",
		DaemonStoreRoot:    "/etc/daemon-store",
		RunDaemonStoreRoot: "/run/daemon-store",
		MaxLoopDevices:     64,
		SharedLoopDevices:  true,
		AllowEcryptfs:      true,
		LVMSupported:       false,
		FscryptSupported:   true,
		LVMVolumeGroup:     "",
		LVMThinpool:        "thinpool",
		DmcryptCipher:      "aes-cbc-essiv:sha256",
		AllowDiscards:      true,
		RecoveryPolicy:     "enforce_cleaning",
		LegacyMount:        true,
		BindMountDownloads: false,
		BinaryPath:         "$PATH",
	}
}

// Parse reads and merges a TOML configuration file over the built-in
// defaults. A missing file is not an error; it yields the defaults.
func Parse(path string) (*File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding configuration file %q", path)
	}
	return cfg, nil
}

var (
	mu      sync.RWMutex
	current *File
)

// SetCurrentConfig installs the process-wide active configuration.
func SetCurrentConfig(c *File) {
	mu.Lock()
	defer mu.Unlock()
	current = c
}

// GetCurrentConfig returns the process-wide active configuration, or nil if
// none has been set yet.
func GetCurrentConfig() *File {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// MustCurrentConfig returns the active configuration or panics; used in code
// paths that can only run after startup has called SetCurrentConfig.
func MustCurrentConfig() *File {
	c := GetCurrentConfig()
	if c == nil {
		panic(fmt.Sprintf("%s", "configuration not loaded"))
	}
	return c
}
