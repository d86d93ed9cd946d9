package cmd

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/deskauth/internal/config"
	"github.com/giantswarm/deskauth/internal/graph"
	pkgstrings "github.com/giantswarm/deskauth/pkg/strings"
)

var (
	mailTop     int
	mailPreview bool
)

// mailCmd represents the mail command
var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "List recent messages",
	Long: `Fetch recent messages from Microsoft Graph with a token for the mail
purpose, signing in first if no cached token can be used.

Examples:
  deskauth mail
  deskauth mail --top 25`,
	RunE: runMail,
}

func init() {
	rootCmd.AddCommand(mailCmd)
	addSessionFlags(mailCmd)
	mailCmd.Flags().IntVar(&mailTop, "top", graph.DefaultMessagePageSize, "Number of messages to list")
	mailCmd.Flags().BoolVar(&mailPreview, "preview", false, "Show the start of each message body")
}

func runMail(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	sess, err := newSession(sessionOptions{Surface: surfaceKind, ChooseAccount: chooseAccount, Out: out})
	if err != nil {
		return err
	}
	defer sess.close()

	token, err := sess.token(cmd.Context(), config.PurposeMail, !noInteractive)
	if err != nil {
		return err
	}

	mail, err := sess.graph.MessagesTop(cmd.Context(), token, mailTop)
	if err != nil {
		return err
	}
	printMessages(out, mail, mailPreview)
	return nil
}

func printMessages(out io.Writer, mail *graph.MailInfo, preview bool) {
	if len(mail.Value) == 0 {
		fmt.Fprintln(out, "No messages.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	header := table.Row{"Received", "From", "Subject"}
	if preview {
		header = append(header, "Preview")
	}
	t.AppendHeader(header)

	for _, m := range mail.Value {
		subject := pkgstrings.OneLine(m.Subject, pkgstrings.DefaultColumnWidth)
		if !m.IsRead {
			subject = text.Bold.Sprint(subject)
		}
		row := table.Row{humanize.Time(m.ReceivedDateTime), pkgstrings.OneLine(m.Sender(), 30), subject}
		if preview {
			row = append(row, pkgstrings.OneLine(m.BodyPreview, pkgstrings.DefaultColumnWidth))
		}
		t.AppendRow(row)
	}
	t.Render()
}
