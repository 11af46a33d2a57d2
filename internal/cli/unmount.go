package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// unmountCmd tears down the mount built by the most recent mount-cryptohome
// or mount-ephemeral call in this process. cryptohome-storage has no
// persistent daemon (D-Bus/session_manager integration is out of scope per
// spec.md §1), so this subcommand is meant for scripted single-process
// sequences and tests that drive MountOrchestrator directly through the Go
// API; production deployments would keep one long-lived orchestrator behind
// a real IPC surface instead of one process per command.
var unmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Unmount the currently mounted cryptohome",
	RunE: func(cmd *cobra.Command, args []string) error {
		orc, err := buildOrchestrator()
		if err != nil {
			return err
		}
		return orc.UnmountCryptohome(context.Background())
	},
}

func init() {
	addCmdInit(func(root *cobra.Command) { root.AddCommand(unmountCmd) })
}
