package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/deskauth/internal/auth"
	"github.com/giantswarm/deskauth/internal/config"
	"github.com/giantswarm/deskauth/internal/graph"
	"github.com/giantswarm/deskauth/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates a sign-in is needed but was not allowed.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the sign-in itself failed.
	ExitCodeAuthFailed = 3
)

// Global flags shared by every command.
var (
	configPath string
	quiet      bool
	logLevel   string
)

// rootCmd represents the base command for the deskauth application.
var rootCmd = &cobra.Command{
	Use:   "deskauth",
	Short: "Sign in to Microsoft identity and call Graph from the desktop",
	Long: `deskauth signs a desktop user in with the OAuth2 authorization code flow,
keeps their tokens in a local cache and renews them silently, and calls
Microsoft Graph with the resulting access tokens.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logging.InitForCLI(level, cmd.ErrOrStderr())
		return nil
	},
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code chosen by getExitCode.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "deskauth version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an error to a semantic exit code for scripting.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var signInRequired *SignInRequiredError
	if errors.As(err, &signInRequired) {
		return ExitCodeAuthRequired
	}
	if errors.Is(err, auth.ErrNoSurface) || graph.IsUnauthorized(err) {
		return ExitCodeAuthRequired
	}

	var acqErr *auth.TokenAcquisitionError
	if errors.As(err, &acqErr) {
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}

func defaultConfigPath() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		return ""
	}
	return path
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", defaultConfigPath(), "Configuration directory")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}
