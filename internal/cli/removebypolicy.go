package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/internal/config"
	"github.com/cryptohome/storagecore/pkg/homedirs"
	"github.com/cryptohome/storagecore/pkg/identity"
)

// neverMountedChecker is a stand-in MountedChecker for the one-shot CLI,
// which holds no cross-invocation mount state (see unmount.go). A real
// daemon would answer from the live Mounter/MountOrchestrator instead.
type neverMountedChecker struct{}

func (neverMountedChecker) IsMounted(identity.ObfuscatedUsername) bool { return false }

var removeByPolicyCmd = &cobra.Command{
	Use:   "remove-by-policy",
	Short: "Remove cryptohomes marked ephemeral by device policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.GetCurrentConfig()
		if cfg == nil {
			cfg = config.Default()
		}
		hd := homedirs.New(cfg.ShadowRoot, homedirs.Capabilities{
			LVMSupported:     cfg.LVMSupported,
			FscryptSupported: cfg.FscryptSupported,
			LVMMigrationOK:   cfg.LVMSupported,
		}, staticPolicyReader{})
		return hd.RemoveCryptohomesBasedOnPolicy(context.Background(), neverMountedChecker{})
	},
}

func init() {
	addCmdInit(func(root *cobra.Command) { root.AddCommand(removeByPolicyCmd) })
}
