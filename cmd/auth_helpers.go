package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/deskauth/internal/auth"
	"github.com/giantswarm/deskauth/internal/cachestore"
	"github.com/giantswarm/deskauth/internal/config"
	"github.com/giantswarm/deskauth/internal/graph"
	"github.com/giantswarm/deskauth/internal/publicclient"
	"github.com/giantswarm/deskauth/internal/redirect"
	"github.com/giantswarm/deskauth/internal/surface"
	"github.com/giantswarm/deskauth/pkg/logging"
)

// Surface kinds selectable with --surface.
const (
	SurfaceBrowser = "browser"
	SurfaceHTTP    = "http"
)

// SignInRequiredError is returned when a command needs a token but
// interactive sign-in was disabled.
type SignInRequiredError struct {
	Reason string
}

func (e *SignInRequiredError) Error() string {
	return fmt.Sprintf("sign-in required: %s. Run: deskauth auth login", e.Reason)
}

// sessionOptions are the per-command choices that shape a session.
type sessionOptions struct {
	Surface       string
	ChooseAccount bool
	Out           io.Writer
}

// session bundles everything one CLI invocation needs to get tokens.
type session struct {
	cfg     config.Config
	store   cacheStore
	client  *publicclient.Client
	orch    *auth.Orchestrator
	graph   *graph.Client
	surface surface.Surface
	out     io.Writer

	showURL bool

	// spinMu guards spin; sign-in pages load on another goroutine.
	spinMu sync.Mutex
	spin   *spinner.Spinner
}

// newSession loads the configuration and wires the client, cache store and
// orchestrator.
func newSession(opts sessionOptions) (*session, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	store, err := newCacheStore(cfg.Cache)
	if err != nil {
		return nil, err
	}

	client, err := publicclient.New(publicclient.Config{
		ClientID:  cfg.ClientID,
		Authority: cfg.Authority,
		AuthURL:   cfg.AuthURL,
		TokenURL:  cfg.TokenURL,
		Cache:     store,
	}, publicclient.WithLogger(logging.Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}

	s := &session{
		cfg:    cfg,
		store:  store,
		client: client,
		graph:  graph.NewClient(cfg.Graph.BaseURL, nil),
		out:    opts.Out,
	}

	var onAuthURL func(string)
	redirectCfg := cfg.Redirect
	switch opts.Surface {
	case SurfaceHTTP:
		s.surface = surface.NewHTTPSurface(nil)
		onAuthURL = s.beginSignIn
	case SurfaceBrowser, "":
		s.surface = &surface.SystemBrowser{OnOpen: s.beginSignIn}
		s.showURL = true
		if redirectCfg.Mode != config.RedirectModeLoopback {
			logging.Debug("CLI", "System browser cannot report %s redirects, using a loopback listener", redirectCfg.URI())
			redirectCfg.Mode = config.RedirectModeLoopback
		}
	default:
		return nil, fmt.Errorf("unknown surface %q (want %s or %s)", opts.Surface, SurfaceBrowser, SurfaceHTTP)
	}

	selector := auth.FirstAccount
	if opts.ChooseAccount {
		selector = PromptSelector(os.Stdin, opts.Out)
	}

	s.orch, err = auth.New(auth.Config{
		Client:          client,
		Listeners:       newListenerFactory(redirectCfg),
		LoginScopes:     cfg.Scopes,
		Purposes:        cfg.Purposes,
		RedirectTimeout: cfg.Redirect.Timeout,
		SelectAccount:   selector,
		OnAuthURL:       onAuthURL,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// cacheStore is a cache backend that can also drop everything it holds.
type cacheStore interface {
	publicclient.CacheAccessor
	Clear() error
}

// newCacheStore builds the configured cache backend.
func newCacheStore(cfg config.CacheConfig) (cacheStore, error) {
	switch cfg.Backend {
	case config.CacheBackendFile, "":
		return cachestore.NewFileStore(cfg.Path), nil
	case config.CacheBackendKeyring:
		return cachestore.NewKeyringStore(cfg.KeyringService, cfg.KeyringUser), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// newListenerFactory returns a factory producing a fresh listener per
// interactive attempt.
func newListenerFactory(cfg config.RedirectConfig) auth.ListenerFactory {
	return func(s surface.Surface) (redirect.Listener, error) {
		opts := redirect.Options{
			Mode:   cfg.Mode,
			Scheme: cfg.Scheme,
			Host:   cfg.Host,
			Port:   cfg.Port,
			Path:   cfg.Path,
		}
		if s != nil {
			opts.Source = s
		}
		return redirect.New(opts)
	}
}

// token returns an access token for purpose. With interactive false the
// cache is the only source.
func (s *session) token(ctx context.Context, purpose string, interactive bool) (string, error) {
	surf := s.surface
	if !interactive {
		account, err := s.orch.LoginSilent(ctx)
		if err != nil {
			return "", err
		}
		if account.IsZero() {
			return "", &SignInRequiredError{Reason: "no cached account"}
		}
		surf = nil
	}

	defer s.stopWaiting()
	token, err := s.orch.GetToken(ctx, purpose, surf)
	if err != nil {
		if !interactive && errors.Is(err, auth.ErrNoSurface) {
			return "", &SignInRequiredError{Reason: "cached credentials cannot be renewed silently"}
		}
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("identity provider returned no token for %s", purpose)
	}
	return token, nil
}

func (s *session) login(ctx context.Context) (publicclient.Account, error) {
	defer s.stopWaiting()
	return s.orch.Login(ctx, s.surface)
}

func (s *session) close() {
	s.stopWaiting()
	if closer, ok := s.surface.(io.Closer); ok {
		_ = closer.Close()
	}
}

// beginSignIn announces an interactive sign-in and shows a spinner until
// the flow returns. Browser sign-ins also print the URL.
func (s *session) beginSignIn(url string) {
	s.spinMu.Lock()
	defer s.spinMu.Unlock()
	if quiet || s.spin != nil {
		return
	}
	if s.showURL {
		fmt.Fprintln(s.out, "Opening your browser to sign in. If it does not open, visit:")
		fmt.Fprintf(s.out, "  %s\n", url)
	}
	s.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.out))
	s.spin.Suffix = " Waiting for sign-in to complete..."
	s.spin.Start()
}

func (s *session) stopWaiting() {
	s.spinMu.Lock()
	defer s.spinMu.Unlock()
	if s.spin != nil {
		s.spin.Stop()
		s.spin = nil
	}
}

// formatExpiryWithDirection renders an expiry time relative to now.
func formatExpiryWithDirection(expiresAt time.Time) string {
	rel := humanize.Time(expiresAt)
	if time.Until(expiresAt) > 0 {
		return rel
	}
	return text.FgYellow.Sprintf("expired %s", rel)
}

// addSessionFlags registers the flags newSession reads.
func addSessionFlags(c *cobra.Command) {
	c.PersistentFlags().StringVar(&surfaceKind, "surface", SurfaceBrowser, "Where sign-in pages load: browser or http")
	c.PersistentFlags().BoolVar(&chooseAccount, "choose-account", false, "Ask which account to use when several are cached")
	c.PersistentFlags().BoolVar(&noInteractive, "no-interactive", false, "Fail with exit code 2 instead of signing in interactively")
}

func sortedPurposes(purposes map[string][]string) []string {
	names := make([]string, 0, len(purposes))
	for name := range purposes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// authPrint prints output only if the --quiet flag is not set.
func authPrint(w io.Writer, format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(w, format, args...)
	}
}
