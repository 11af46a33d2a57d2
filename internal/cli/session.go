package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptohome/storagecore/pkg/authsession"
	"github.com/cryptohome/storagecore/pkg/identity"
)

// sessionManager is process-local: like unmountCmd, session subcommands
// only make sense chained within one process (tests, scripted sequences),
// since there is no daemon persisting the Manager across invocations.
var sessionManager = authsession.New(int64(5*time.Minute), func() int64 { return time.Now().UnixNano() })

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage AuthSessions",
}

var sessionAccount string

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new AuthSession",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionAccount == "" {
			return fmt.Errorf("--account is required")
		}
		h, err := sessionManager.CreateAuthSession(identity.ObfuscatedUsername(sessionAccount), 0)
		if err != nil {
			return err
		}
		fmt.Println(h.Token().String())
		h.Release()
		return nil
	},
}

var sessionToken string

var sessionFindCmd = &cobra.Command{
	Use:   "find",
	Short: "Find an existing AuthSession by token",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := identity.ParseAuthSessionToken(sessionToken)
		if err != nil {
			return err
		}
		h, err := sessionManager.FindAuthSession(token)
		if err != nil {
			return err
		}
		defer h.Release()
		fmt.Printf("account=%s state=%d\n", h.Session().Account, h.Session().State)
		return nil
	},
}

var sessionExtendSeconds int

var sessionExtendCmd = &cobra.Command{
	Use:   "extend",
	Short: "Extend an AuthSession's timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := identity.ParseAuthSessionToken(sessionToken)
		if err != nil {
			return err
		}
		return sessionManager.ExtendTimeout(token, int64(sessionExtendSeconds)*int64(time.Second))
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionAccount, "account", "", "obfuscated username")
	sessionFindCmd.Flags().StringVar(&sessionToken, "token", "", "auth session token (hex)")
	sessionExtendCmd.Flags().StringVar(&sessionToken, "token", "", "auth session token (hex)")
	sessionExtendCmd.Flags().IntVar(&sessionExtendSeconds, "seconds", 60, "seconds to add to the session's deadline")

	sessionCmd.AddCommand(sessionCreateCmd, sessionFindCmd, sessionExtendCmd)
	addCmdInit(func(root *cobra.Command) { root.AddCommand(sessionCmd) })
}
