package mounter

import (
	"context"
	"fmt"
	"os"

	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
	"github.com/cryptohome/storagecore/pkg/vault"
)

// buildHomeGraph runs the seven-step home-graph build from spec §4.6 after
// the core per-type mount recipe has completed. mountDir is the root of the
// active data mount: <shadow>/<u>/mount for a persistent vault, or the
// ephemeral mount point for PerformEphemeralMount.
func (m *Mounter) buildHomeGraph(ctx context.Context, v *vault.CryptohomeVault, user identity.ObfuscatedUsername, mountDir string) error {
	userHome := m.Paths.HomeUser(user)
	rootHome := m.Paths.HomeRoot(user)
	chronosU := m.Paths.ChronosU(user)

	// Step 1: ensure and clean user-visible mount points; refuse if already
	// mounted.
	for _, dir := range []string{userHome, rootHome, chronosU} {
		mounted, err := m.Platform.IsMounted(dir)
		if err != nil {
			return err
		}
		if mounted {
			return fmt.Errorf("mounter: %s is already mounted", dir)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	userSrc := joinPath(mountDir, trackedUser)
	rootSrc := joinPath(mountDir, trackedRoot)
	if err := m.ensureTrackedSubdirs(v, user, mountDir); err != nil {
		return err
	}

	// Step 2: self-bind user-home and root-home as shared mounts so later
	// bind-mounts propagate (MS_SHARED, here represented by extraFlags 0
	// since Platform.Bind always issues MS_BIND; propagation sharing is the
	// platform's responsibility post-bind in a production mount namespace).
	if err := m.BindAndPush(userSrc, userSrc, 0); err != nil {
		return fmt.Errorf("self-binding %s: %w", userSrc, err)
	}
	if err := m.BindAndPush(rootSrc, rootSrc, 0); err != nil {
		return fmt.Errorf("self-binding %s: %w", rootSrc, err)
	}

	// Step 3: legacy /home/chronos/user bind, first-user-wins.
	if m.Config.LegacyMount {
		mounted, err := m.Platform.IsMounted(m.Paths.ChronosUser())
		if err != nil {
			return err
		}
		if !mounted {
			if err := m.BindAndPush(userSrc, m.Paths.ChronosUser(), 0); err != nil {
				return fmt.Errorf("binding legacy chronos user home: %w", err)
			}
		} else {
			storagelog.Infof("legacy chronos user home already bound, skipping for %s", user)
		}
	}

	// Step 4: bind user-home into u-<hash> and /home/user/<hash>; root-home
	// into /home/root/<hash>.
	if err := m.BindAndPush(userSrc, chronosU, 0); err != nil {
		return err
	}
	if err := m.BindAndPush(userSrc, userHome, 0); err != nil {
		return err
	}
	if err := m.BindAndPush(rootSrc, rootHome, 0); err != nil {
		return err
	}

	// Step 5: Downloads migration / bind.
	if err := m.reconcileDownloads(userSrc); err != nil {
		return fmt.Errorf("reconciling downloads: %w", err)
	}

	// Step 6: daemon-store binds.
	if err := m.bindDaemonStores(rootSrc, user); err != nil {
		return err
	}

	// Step 7: for dm-crypt mounts, cache-only subdirs already bound in
	// mountDmcrypt; also bind daemon-store-cache.
	if v.Cache != nil {
		if err := m.bindDaemonStoreCaches(user); err != nil {
			return err
		}
	}

	return nil
}

// bindDaemonStores implements spec §4.6 step 6: for every subdirectory of
// /etc/daemon-store/<daemon>, if it exists, ensure <root-home>/<daemon> has
// matching ownership/mode and bind-mount it into
// /run/daemon-store/<daemon>/<u>.
func (m *Mounter) bindDaemonStores(rootSrc string, user identity.ObfuscatedUsername) error {
	entries, err := os.ReadDir(m.Paths.DaemonStoreRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		daemon := entry.Name()
		template := m.Paths.DaemonStoreTemplate(daemon)
		fi, err := os.Stat(template)
		if err != nil || !fi.IsDir() {
			continue
		}
		daemonDir := joinPath(rootSrc, daemon)
		if err := os.MkdirAll(daemonDir, fi.Mode().Perm()); err != nil {
			return err
		}
		if uid, gid, ok := statOwnership(fi); ok {
			if err := m.Platform.Chown(daemonDir, uid, gid); err != nil {
				storagelog.Warningf("chown daemon-store dir %s: %v", daemonDir, err)
			}
		}

		target := m.Paths.RunDaemonStoreFor(daemon, user)
		if err := os.MkdirAll(target, 0o700); err != nil {
			return err
		}
		if err := m.BindAndPush(daemonDir, target, 0); err != nil {
			return fmt.Errorf("binding daemon-store %s: %w", daemon, err)
		}
	}
	return nil
}

// bindDaemonStoreCaches binds the daemon-store-cache subdir of the dm-crypt
// cache mount into /run/daemon-store-cache/<daemon>/<u> (spec §4.6 step 7).
func (m *Mounter) bindDaemonStoreCaches(user identity.ObfuscatedUsername) error {
	cacheRoot := joinPath(m.Paths.DmcryptCacheMount(user), "daemon-store-cache")
	entries, err := os.ReadDir(cacheRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		daemon := entry.Name()
		src := joinPath(cacheRoot, daemon)
		target := m.Paths.RunDaemonStoreCacheFor(daemon, user)
		if err := os.MkdirAll(target, 0o700); err != nil {
			return err
		}
		if err := m.BindAndPush(src, target, 0); err != nil {
			return fmt.Errorf("binding daemon-store-cache %s: %w", daemon, err)
		}
	}
	return nil
}
