package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/deskauth/pkg/logging"
)

// Flags shared by commands that may need a token.
var (
	surfaceKind      string
	chooseAccount    bool
	noInteractive    bool
	tokenPurpose     string
	tokenShowAccount bool
	logoutAll        bool
)

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the signed-in account",
	Long: `Manage the account deskauth signs in with.

The auth command group signs you in, shows the cached account and its
tokens, prints access tokens for scripts, and signs you out.

Examples:
  deskauth auth login                  # Sign in with the system browser
  deskauth auth login --surface http   # Sign in without a browser (CI, test IdPs)
  deskauth auth status                 # Show the cached account
  deskauth auth status --watch         # Keep showing it as the cache changes
  deskauth auth token --purpose mail   # Print an access token
  deskauth auth logout                 # Sign out and remove cached tokens`,
}

// authLogoutCmd represents the auth logout command
var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove cached tokens",
	Long: `Sign out of the cached account.

The account and its tokens are removed from the token cache. Without a
cached account this does nothing and leaves the cache untouched.

With --all the whole token cache is removed, every account included. The
next command that needs a token starts from an empty cache.

Examples:
  deskauth auth logout         # Sign out of the cached account
  deskauth auth logout --all   # Remove the token cache`,
	RunE: runAuthLogout,
}

// authTokenCmd represents the auth token command
var authTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an access token",
	Long: `Print an access token for a configured purpose.

The token comes from the cache when possible and is renewed silently when
it is close to expiry. With --no-interactive the command exits with code 2
instead of opening a sign-in page.

Examples:
  deskauth auth token                          # Token for the profile purpose
  deskauth auth token --purpose mail           # Token for the mail purpose
  TOKEN=$(deskauth auth token --no-interactive)`,
	RunE: runAuthToken,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authTokenCmd)

	addSessionFlags(authCmd)

	authLogoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Remove the whole token cache, every account included")
	authTokenCmd.Flags().StringVar(&tokenPurpose, "purpose", "profile", "Token purpose as configured under purposes")
	authTokenCmd.Flags().BoolVar(&tokenShowAccount, "account", false, "Print the account the token belongs to on stderr")
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	sess, err := newSession(sessionOptions{Surface: surfaceKind, ChooseAccount: chooseAccount, Out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	defer sess.close()

	if logoutAll {
		return clearCache(cmd, sess)
	}

	account, err := sess.orch.LoginSilent(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read cached accounts: %w", err)
	}
	if account.IsZero() {
		authPrint(cmd.OutOrStdout(), "Not signed in.\n")
		return nil
	}

	if err := sess.orch.Logout(cmd.Context()); err != nil {
		return err
	}
	authPrint(cmd.OutOrStdout(), "Signed out %s\n", account.Username)
	return nil
}

// clearCache removes the whole token cache and forgets the current account.
func clearCache(cmd *cobra.Command, sess *session) error {
	location := cacheLocation(sess.cfg.Cache)
	if err := sess.store.Clear(); err != nil {
		logging.Audit(logging.AuditEvent{
			Action:  "cache_clear",
			Outcome: "failure",
			Target:  location,
			Error:   err.Error(),
		})
		return fmt.Errorf("failed to remove token cache: %w", err)
	}
	sess.orch.ResetAccount()

	logging.Audit(logging.AuditEvent{
		Action:  "cache_clear",
		Outcome: "success",
		Target:  location,
	})
	authPrint(cmd.OutOrStdout(), "Removed token cache at %s\n", location)
	return nil
}

func runAuthToken(cmd *cobra.Command, args []string) error {
	sess, err := newSession(sessionOptions{Surface: surfaceKind, ChooseAccount: chooseAccount, Out: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer sess.close()

	token, err := sess.token(cmd.Context(), tokenPurpose, !noInteractive)
	if err != nil {
		return err
	}

	if tokenShowAccount {
		fmt.Fprintf(cmd.ErrOrStderr(), "Account: %s\n", sess.orch.CurrentAccount().Username)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
