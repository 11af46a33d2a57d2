package cli

import (
	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/internal/config"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "cryptohome-storage",
	Short:         "Per-user encrypted home directory storage core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse(configFile)
		if err != nil {
			return err
		}
		config.SetCurrentConfig(cfg)
		return nil
	},
}

// cmdInits mirrors the teacher's cmdInits slice (cmd/internal/cli/
// apptainer.go): each subcommand file registers itself here from its own
// init(), and Execute runs them once against the shared root command.
var cmdInits []func(*cobra.Command)

func addCmdInit(f func(*cobra.Command)) {
	cmdInits = append(cmdInits, f)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to cryptohome-storage.toml")
}

// Execute runs the cryptohome-storage root command.
func Execute() {
	for _, f := range cmdInits {
		f(rootCmd)
	}
	if err := rootCmd.Execute(); err != nil {
		storagelog.Fatalf("%s", err)
	}
}
