package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/internal/config"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/homedirs"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

var (
	mountUser          string
	mountForceType     string
	mountMigrate       bool
	mountBlockEcryptfs bool
)

var mountCmd = &cobra.Command{
	Use:   "mount-cryptohome",
	Short: "Mount an obfuscated user's cryptohome",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mountUser == "" {
			return fmt.Errorf("--user is required")
		}
		orc, err := buildOrchestrator()
		if err != nil {
			return err
		}
		user := identity.ObfuscatedUsername(mountUser)

		opts := homedirs.Options{
			Migrate:       mountMigrate,
			BlockEcryptfs: !config.GetCurrentConfig().AllowEcryptfs,
		}
		if mountForceType != "" {
			opts.ForceType = parseContainerType(mountForceType)
		}

		disk := orc.HomeDirs.ObserveDiskState(user)
		if err := orc.MountCryptohome(context.Background(), user, fskey.FileSystemKey{}, disk, opts); err != nil {
			return err
		}
		storagelog.Infof("%s mounted %s", color.New(color.FgGreen).Sprint("[OK]"), user)
		return nil
	},
}

func init() {
	mountCmd.Flags().StringVar(&mountUser, "user", "", "obfuscated username")
	mountCmd.Flags().StringVar(&mountForceType, "force-type", "", "force a vault type (ecryptfs, fscrypt, dmcrypt)")
	mountCmd.Flags().BoolVar(&mountMigrate, "migrate", false, "allow/require an in-progress migration to continue")
	addCmdInit(func(root *cobra.Command) { root.AddCommand(mountCmd) })
}
