package cmd

import (
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// authLoginCmd represents the auth login command
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in interactively",
	Long: `Sign in with the authorization code flow.

With --surface browser (the default) the sign-in page opens in the system
browser and the redirect is captured on a loopback port. With --surface http
the pages are fetched directly and the redirect is intercepted before it is
followed, which suits test identity providers that sign in without a prompt.

Examples:
  deskauth auth login
  deskauth auth login --surface http`,
	RunE: runAuthLogin,
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if noInteractive {
		return &SignInRequiredError{Reason: "login is always interactive"}
	}

	sess, err := newSession(sessionOptions{Surface: surfaceKind, ChooseAccount: chooseAccount, Out: out})
	if err != nil {
		return err
	}
	defer sess.close()

	account, err := sess.login(cmd.Context())
	if err != nil {
		return err
	}

	if account.IsZero() {
		authPrint(out, "%s\n", text.FgYellow.Sprint("Sign-in finished but no account was returned."))
		return nil
	}
	authPrint(out, "%s %s\n", text.FgGreen.Sprint("Signed in as"), account.Username)
	return nil
}
