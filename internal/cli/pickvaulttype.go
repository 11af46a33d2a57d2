package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/internal/config"
	"github.com/cryptohome/storagecore/pkg/homedirs"
	"github.com/cryptohome/storagecore/pkg/identity"
)

var (
	pickUser    string
	pickMigrate bool
)

var pickVaultTypeCmd = &cobra.Command{
	Use:   "pick-vault-type",
	Short: "Report the vault type that would be elected for a user without mounting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pickUser == "" {
			return fmt.Errorf("--user is required")
		}
		cfg := config.GetCurrentConfig()
		if cfg == nil {
			cfg = config.Default()
		}
		hd := homedirs.New(cfg.ShadowRoot, homedirs.Capabilities{
			LVMSupported:     cfg.LVMSupported,
			FscryptSupported: cfg.FscryptSupported,
			LVMMigrationOK:   cfg.LVMSupported,
		}, staticPolicyReader{})

		user := identity.ObfuscatedUsername(pickUser)
		disk := hd.ObserveDiskState(user)
		vaultType, err := hd.PickVaultType(disk, homedirs.Options{
			Migrate:       pickMigrate,
			BlockEcryptfs: !cfg.AllowEcryptfs,
		})
		if err != nil {
			return err
		}
		fmt.Println(vaultType)
		return nil
	},
}

func init() {
	pickVaultTypeCmd.Flags().StringVar(&pickUser, "user", "", "obfuscated username")
	pickVaultTypeCmd.Flags().BoolVar(&pickMigrate, "migrate", false, "elect a migration destination type")
	addCmdInit(func(root *cobra.Command) { root.AddCommand(pickVaultTypeCmd) })
}
