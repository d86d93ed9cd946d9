package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/deskauth/internal/cachestore"
	"github.com/giantswarm/deskauth/internal/config"
	"github.com/giantswarm/deskauth/internal/publicclient"
	"github.com/giantswarm/deskauth/pkg/logging"
)

var statusWatch bool

// authStatusCmd represents the auth status command
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached account",
	Long: `Show the accounts in the token cache and whether a token can be
obtained for each configured purpose without signing in.

With --watch the status is shown again every time another process changes
the cache file.`,
	RunE: runAuthStatus,
}

func init() {
	authStatusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Show the status again whenever the cache file changes")
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	sess, err := newSession(sessionOptions{Surface: surfaceKind, ChooseAccount: chooseAccount, Out: out})
	if err != nil {
		return err
	}
	defer sess.close()

	if err := printStatus(cmd.Context(), out, sess); err != nil {
		return err
	}
	if !statusWatch {
		return nil
	}
	return watchStatus(cmd.Context(), out, sess)
}

// watchStatus reprints the status whenever the cache file changes, until
// interrupted.
func watchStatus(ctx context.Context, out io.Writer, sess *session) error {
	if sess.cfg.Cache.Backend == config.CacheBackendKeyring {
		return fmt.Errorf("--watch needs the %s cache backend", config.CacheBackendFile)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	changed := make(chan struct{}, 1)
	watcher := cachestore.NewWatcher(cachestore.WatcherConfig{
		Path: sess.cfg.Cache.Path,
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	authPrint(out, "\nWatching %s, press Ctrl+C to stop.\n", sess.cfg.Cache.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			// Another process may have signed in or out.
			sess.orch.ResetAccount()
			fmt.Fprintln(out)
			if err := printStatus(ctx, out, sess); err != nil {
				logging.Warn("CLI", "Could not read token cache: %v", err)
			}
		}
	}
}

func printStatus(ctx context.Context, out io.Writer, sess *session) error {
	accounts, err := sess.client.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cached accounts: %w", err)
	}

	fmt.Fprintf(out, "Authority: %s\n", sess.cfg.Authority)
	fmt.Fprintf(out, "Cache:     %s\n", cacheLocation(sess.cfg.Cache))

	if len(accounts) == 0 {
		fmt.Fprintf(out, "Status:    %s\n", text.FgYellow.Sprint("Not signed in"))
		fmt.Fprintln(out, "           Run: deskauth auth login")
		return nil
	}

	current, err := sess.orch.LoginSilent(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"", "Account", "Name", "Tenant", "Environment"})
	for _, a := range accounts {
		marker := ""
		if a.HomeAccountID == current.HomeAccountID {
			marker = text.FgGreen.Sprint("*")
		}
		t.AppendRow(table.Row{marker, a.Username, a.Name, a.TenantID, a.Environment})
	}
	t.Render()

	for _, purpose := range sortedPurposes(sess.cfg.Purposes) {
		fmt.Fprintf(out, "%-10s %s\n", purpose+":", tokenState(ctx, sess, current, purpose))
	}
	return nil
}

// tokenState reports whether a token for purpose is available without
// interaction.
func tokenState(ctx context.Context, sess *session, account publicclient.Account, purpose string) string {
	result, err := sess.client.AcquireTokenSilent(ctx, publicclient.SilentFlowRequest{
		Scopes:  sess.cfg.Purposes[purpose],
		Account: account,
	})
	if err != nil {
		logging.Debug("CLI", "No silent token for %s: %v", purpose, err)
		return text.FgYellow.Sprint("Sign-in required")
	}

	source := "renewed"
	if result.FromCache {
		source = "cached"
	}
	return fmt.Sprintf("%s, expires %s", text.FgGreen.Sprint(source), formatExpiryWithDirection(result.ExpiresOn))
}

func cacheLocation(cfg config.CacheConfig) string {
	if cfg.Backend == config.CacheBackendKeyring {
		return fmt.Sprintf("keyring %s/%s", cfg.KeyringService, cfg.KeyringUser)
	}
	return cfg.Path
}
