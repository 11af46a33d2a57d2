package cli

import (
	"context"

	units "github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/pkg/orchestrator"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

var migrateTag = color.New(color.FgCyan).Sprint("[MIGRATE]")

var migrateMinimal bool

var migrateCmd = &cobra.Command{
	Use:   "migrate-encryption",
	Short: "Migrate the currently mounted cryptohome to its destination encryption",
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, err := buildOrchestrator()
		if err != nil {
			return err
		}
		mode := orchestrator.MigrationFull
		if migrateMinimal {
			mode = orchestrator.MigrationMinimal
		}
		return orc.MigrateEncryption(context.Background(), mode, func(r orchestrator.MigrationResult) {
			storagelog.Infof("%s %s / %s", migrateTag, units.HumanSize(float64(r.BytesDone)), units.HumanSize(float64(r.BytesTotal)))
		})
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateMinimal, "minimal", false, "skip cache-only subtrees to fit a size-constrained device")
	addCmdInit(func(root *cobra.Command) { root.AddCommand(migrateCmd) })
}
