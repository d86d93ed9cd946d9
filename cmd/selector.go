package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/giantswarm/deskauth/internal/auth"
	"github.com/giantswarm/deskauth/internal/publicclient"
)

// errSelectionCancelled is returned when the user aborts the account prompt.
var errSelectionCancelled = errors.New("account selection cancelled")

// PromptSelector asks the user which cached account to use.
func PromptSelector(in io.ReadCloser, out io.Writer) auth.AccountSelector {
	return func(_ context.Context, accounts []publicclient.Account) (publicclient.Account, error) {
		fmt.Fprintln(out, "Several accounts are signed in:")
		for i, a := range accounts {
			label := a.Username
			if a.Name != "" {
				label = fmt.Sprintf("%s (%s)", a.Username, a.Name)
			}
			fmt.Fprintf(out, "  [%d] %s\n", i+1, label)
		}

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          fmt.Sprintf("Select account [1-%d]: ", len(accounts)),
			Stdin:           in,
			Stdout:          out,
			InterruptPrompt: "^C",
		})
		if err != nil {
			return publicclient.Account{}, fmt.Errorf("failed to create prompt: %w", err)
		}
		defer rl.Close()

		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return publicclient.Account{}, errSelectionCancelled
			}
			if err != nil {
				return publicclient.Account{}, err
			}

			idx, err := parseSelection(line, len(accounts))
			if err == nil {
				return accounts[idx], nil
			}
			fmt.Fprintln(out, err)
		}
	}
}

// parseSelection turns a 1-based answer into an index.
func parseSelection(line string, n int) (int, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("enter a number between 1 and %d", n)
	}
	choice, err := strconv.Atoi(line)
	if err != nil || choice < 1 || choice > n {
		return 0, fmt.Errorf("%q is not a number between 1 and %d", line, n)
	}
	return choice - 1, nil
}
