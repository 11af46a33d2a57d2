package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/pkg/identity"
)

var ephemeralUser string

var mountEphemeralCmd = &cobra.Command{
	Use:   "mount-ephemeral",
	Short: "Mount a ramdisk-backed ephemeral cryptohome",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ephemeralUser == "" {
			return fmt.Errorf("--user is required")
		}
		orc, err := buildOrchestrator()
		if err != nil {
			return err
		}
		return orc.MountEphemeralCryptohome(context.Background(), identity.ObfuscatedUsername(ephemeralUser))
	},
}

func init() {
	mountEphemeralCmd.Flags().StringVar(&ephemeralUser, "user", "", "obfuscated username")
	addCmdInit(func(root *cobra.Command) { root.AddCommand(mountEphemeralCmd) })
}
