// Package bin locates the external binaries the storage core shells out to
// (mkfs.ext4, tune2fs, fsck.ext4, dmsetup, losetup, lvcreate, lvremove),
// honoring a configurable search path the same way the teacher's bin
// package resolves cryptsetup/mksquashfs from apptainer.conf.
package bin

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/cryptohome/storagecore/internal/config"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// FindBin returns the absolute path to the named executable, or an error if
// it cannot be located.
func FindBin(name string) (string, error) {
	switch name {
	case "mkfs.ext4", "tune2fs", "fsck.ext4", "e2fsck", "dmsetup", "losetup",
		"lvcreate", "lvremove", "lvchange", "vgs", "blkid", "udevadm", "mount", "umount":
		return findOnPath(name)
	}
	return "", fmt.Errorf("unknown executable name %q", name)
}

func findOnPath(name string) (string, error) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		if strings.HasSuffix(os.Args[0], ".test") {
			cfg = config.Default()
			config.SetCurrentConfig(cfg)
		} else {
			storagelog.Fatalf("configuration not loaded before findOnPath")
		}
	}

	if cfg.BinaryPath != "" && cfg.BinaryPath != "$PATH" {
		oldPath := os.Getenv("PATH")
		defer os.Setenv("PATH", oldPath)
		newPath := strings.ReplaceAll(cfg.BinaryPath, "$PATH", oldPath)
		os.Setenv("PATH", newPath)
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "looking up %q on PATH", name)
	}
	storagelog.Debugf("found %q at %q", name, path)
	return path, nil
}
