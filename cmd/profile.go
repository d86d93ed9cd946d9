package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/deskauth/internal/config"
	"github.com/giantswarm/deskauth/internal/graph"
)

// profileCmd represents the profile command
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the signed-in user's Graph profile",
	Long: `Fetch /me from Microsoft Graph with a token for the profile purpose,
signing in first if no cached token can be used.`,
	RunE: runProfile,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	addSessionFlags(profileCmd)
}

func runProfile(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	sess, err := newSession(sessionOptions{Surface: surfaceKind, ChooseAccount: chooseAccount, Out: out})
	if err != nil {
		return err
	}
	defer sess.close()

	token, err := sess.token(cmd.Context(), config.PurposeProfile, !noInteractive)
	if err != nil {
		return err
	}

	info, err := sess.graph.Me(cmd.Context(), token)
	if err != nil {
		return err
	}
	printProfile(out, info)
	return nil
}

func printProfile(out io.Writer, info *graph.UserInfo) {
	rows := []struct{ label, value string }{
		{"Name", info.DisplayName},
		{"Principal", info.UserPrincipalName},
		{"Mail", info.Mail},
		{"Job title", info.JobTitle},
		{"Office", info.OfficeLocation},
		{"Phone", strings.Join(info.BusinessPhones, ", ")},
		{"Mobile", info.MobilePhone},
		{"ID", info.ID},
	}
	for _, r := range rows {
		if r.value == "" {
			continue
		}
		fmt.Fprintf(out, "%-10s %s\n", r.label+":", r.value)
	}
}
