package mounter

import (
	"path/filepath"

	"github.com/cryptohome/storagecore/pkg/identity"
)

// Paths is the stable path layout derived from an ObfuscatedUsername (spec
// §3 "Mount graph", §6 "Path layout").
type Paths struct {
	ShadowRoot      string
	EphemeralRoot   string
	DaemonStoreRoot string
	RunDaemonStore  string
	RunDaemonStoreCache string
}

func (p Paths) userRoot(u identity.ObfuscatedUsername) string {
	return filepath.Join(p.ShadowRoot, string(u))
}

// Vault (shadow root) is a set of canonical, internal paths.
func (p Paths) VaultDir(u identity.ObfuscatedUsername) string      { return filepath.Join(p.userRoot(u), "vault") }
func (p Paths) MountDir(u identity.ObfuscatedUsername) string      { return filepath.Join(p.userRoot(u), "mount") }
func (p Paths) TemporaryMount(u identity.ObfuscatedUsername) string {
	return filepath.Join(p.userRoot(u), "temporary_mount")
}
func (p Paths) DmcryptCacheMount(u identity.ObfuscatedUsername) string {
	return filepath.Join(p.userRoot(u), "dmcrypt-cache")
}

// Ephemeral paths.
func (p Paths) EphemeralData(u identity.ObfuscatedUsername) string {
	return filepath.Join(p.EphemeralRoot, "ephemeral_data", string(u))
}
func (p Paths) EphemeralMount(u identity.ObfuscatedUsername) string {
	return filepath.Join(p.EphemeralRoot, "ephemeral_mount", string(u))
}

// User-visible paths.
func (p Paths) HomeUser(u identity.ObfuscatedUsername) string {
	return filepath.Join("/home/user", string(u))
}
func (p Paths) HomeRoot(u identity.ObfuscatedUsername) string {
	return filepath.Join("/home/root", string(u))
}
func (p Paths) ChronosUser() string { return "/home/chronos/user" }
func (p Paths) ChronosU(u identity.ObfuscatedUsername) string {
	return filepath.Join("/home/chronos", "u-"+string(u))
}

// Daemon-store paths.
func (p Paths) DaemonStoreTemplate(daemon string) string {
	return filepath.Join(p.DaemonStoreRoot, daemon)
}
func (p Paths) RunDaemonStoreFor(daemon string, u identity.ObfuscatedUsername) string {
	return filepath.Join(p.RunDaemonStore, daemon, string(u))
}
func (p Paths) RunDaemonStoreCacheFor(daemon string, u identity.ObfuscatedUsername) string {
	return filepath.Join(p.RunDaemonStoreCache, daemon, string(u))
}

// Within a user's mount root (data or cache), the tracked-subdirectory
// layout (spec §4.6 "Tracked subdirectories").
const (
	trackedUser            = "user"
	trackedUserMyFiles      = "user/MyFiles"
	trackedUserDownloads    = "user/MyFiles/Downloads"
	trackedUserCache        = "user/Cache"
	trackedUserGCache       = "user/GCache"
	trackedUserGCacheV2     = "user/GCache/v2"
	trackedRoot             = "root"
	trackedRootCache        = "root/.cache"
	legacyDownloads         = "user/Downloads"
)

// cacheOnlySubdirs is bound from the cache mount into the data mount for
// dm-crypt vaults (spec §4.6 step 7).
var cacheOnlySubdirs = []string{"user/Cache", "user/GCache", "daemon-store-cache"}
