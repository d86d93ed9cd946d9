package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/deskauth/internal/publicclient"
	"github.com/giantswarm/deskauth/internal/redirect"
	"github.com/giantswarm/deskauth/internal/surface"
	"github.com/giantswarm/deskauth/pkg/logging"
)

// DefaultRedirectTimeout bounds the wait for the sign-in redirect.
const DefaultRedirectTimeout = 5 * time.Minute

// DefaultLoginScopes are requested by Login.
var DefaultLoginScopes = []string{"openid", "profile", "User.Read"}

// TokenClient is the identity provider client the orchestrator drives.
// *publicclient.Client implements it.
type TokenClient interface {
	AuthCodeURL(ctx context.Context, req publicclient.AuthorizationURLRequest) (string, error)
	AcquireTokenByCode(ctx context.Context, req publicclient.AuthorizationCodeRequest) (*publicclient.AuthenticationResult, error)
	AcquireTokenSilent(ctx context.Context, req publicclient.SilentFlowRequest) (*publicclient.AuthenticationResult, error)
	Accounts(ctx context.Context) ([]publicclient.Account, error)
	RemoveAccount(ctx context.Context, account publicclient.Account) error
}

// ListenerFactory creates a fresh, unstarted redirect listener for one
// interactive attempt on the given surface.
type ListenerFactory func(s surface.Surface) (redirect.Listener, error)

// Config configures an Orchestrator.
type Config struct {
	Client    TokenClient
	Listeners ListenerFactory

	// LoginScopes are requested by Login. Defaults to DefaultLoginScopes.
	LoginScopes []string
	// Purposes maps a purpose name to the scopes GetToken requests for it.
	Purposes map[string][]string

	RedirectTimeout time.Duration
	SelectAccount   AccountSelector

	// OnAuthURL, when set, sees every sign-in URL before it is loaded.
	OnAuthURL func(url string)
}

// Orchestrator owns the signed-in account and decides between silent and
// interactive token acquisition.
type Orchestrator struct {
	client          TokenClient
	listeners       ListenerFactory
	loginScopes     []string
	purposes        map[string][]string
	redirectTimeout time.Duration
	selectAccount   AccountSelector
	onAuthURL       func(string)

	mu      sync.RWMutex
	account publicclient.Account

	// interactiveMu allows one interactive flow at a time.
	interactiveMu sync.Mutex
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Client == nil {
		return nil, errors.New("token client is required")
	}
	if cfg.Listeners == nil {
		return nil, errors.New("listener factory is required")
	}

	o := &Orchestrator{
		client:          cfg.Client,
		listeners:       cfg.Listeners,
		loginScopes:     cfg.LoginScopes,
		purposes:        cfg.Purposes,
		redirectTimeout: cfg.RedirectTimeout,
		selectAccount:   cfg.SelectAccount,
		onAuthURL:       cfg.OnAuthURL,
	}
	if len(o.loginScopes) == 0 {
		o.loginScopes = DefaultLoginScopes
	}
	if o.redirectTimeout <= 0 {
		o.redirectTimeout = DefaultRedirectTimeout
	}
	if o.selectAccount == nil {
		o.selectAccount = FirstAccount
	}
	return o, nil
}

// CurrentAccount returns the signed-in account, or the zero Account.
func (o *Orchestrator) CurrentAccount() publicclient.Account {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.account
}

// ResetAccount forgets the in-memory account without touching the cache.
func (o *Orchestrator) ResetAccount() {
	o.setAccount(publicclient.Account{})
}

func (o *Orchestrator) setAccount(a publicclient.Account) {
	o.mu.Lock()
	o.account = a
	o.mu.Unlock()
}

// GetToken returns an access token for purpose, silently when the cache
// allows it and interactively on surf otherwise. A nil exchange result
// yields an empty token and no error.
func (o *Orchestrator) GetToken(ctx context.Context, purpose string, surf surface.Surface) (string, error) {
	scopes, ok := o.purposes[purpose]
	if !ok || len(scopes) == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}

	account, err := o.resolveAccount(ctx)
	if err != nil {
		logging.Warn("Auth", "Could not read cached accounts, signing in interactively: %v", err)
	}

	if !account.IsZero() {
		result, err := o.client.AcquireTokenSilent(ctx, publicclient.SilentFlowRequest{
			Scopes:  scopes,
			Account: account,
		})
		if err == nil && result != nil {
			return result.AccessToken, nil
		}
		if err != nil {
			logging.Info("Auth", "Silent token acquisition for %s failed, falling back to interactive: %v", purpose, err)
		}
	}

	result, err := o.interactive(ctx, purpose, scopes, surf)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return result.AccessToken, nil
}

// Login signs in interactively with the login scopes and commits the
// resulting account.
func (o *Orchestrator) Login(ctx context.Context, surf surface.Surface) (publicclient.Account, error) {
	result, err := o.interactive(ctx, "login", o.loginScopes, surf)
	if err != nil {
		return publicclient.Account{}, err
	}

	if result == nil || result.Account.IsZero() {
		account, err := o.cachedAccount(ctx)
		if err != nil {
			return publicclient.Account{}, err
		}
		o.setAccount(account)
		return account, nil
	}
	return result.Account, nil
}

// LoginSilent returns the current account, adopting one from the cache when
// there is none in memory. It returns the zero Account when the cache is
// empty.
func (o *Orchestrator) LoginSilent(ctx context.Context) (publicclient.Account, error) {
	return o.resolveAccount(ctx)
}

// Logout removes the current account from the cache and forgets it. Without
// a current account it does nothing.
func (o *Orchestrator) Logout(ctx context.Context) error {
	account := o.CurrentAccount()
	if account.IsZero() {
		return nil
	}

	if err := o.client.RemoveAccount(ctx, account); err != nil {
		logging.Audit(logging.AuditEvent{
			Action:  "logout",
			Outcome: "failure",
			Account: account.Username,
			Error:   err.Error(),
		})
		return fmt.Errorf("failed to remove account from cache: %w", err)
	}

	o.ResetAccount()
	logging.Audit(logging.AuditEvent{
		Action:  "logout",
		Outcome: "success",
		Account: account.Username,
	})
	return nil
}

// resolveAccount returns the in-memory account, or adopts one from the
// cache.
func (o *Orchestrator) resolveAccount(ctx context.Context) (publicclient.Account, error) {
	if account := o.CurrentAccount(); !account.IsZero() {
		return account, nil
	}

	account, err := o.cachedAccount(ctx)
	if err != nil {
		return publicclient.Account{}, err
	}
	if !account.IsZero() {
		o.setAccount(account)
	}
	return account, nil
}

func (o *Orchestrator) cachedAccount(ctx context.Context) (publicclient.Account, error) {
	accounts, err := o.client.Accounts(ctx)
	if err != nil {
		return publicclient.Account{}, err
	}

	switch len(accounts) {
	case 0:
		return publicclient.Account{}, nil
	case 1:
		return accounts[0], nil
	default:
		return o.selectAccount(ctx, accounts)
	}
}

// interactive runs one sign-in on surf. The listener is started before the
// page loads and closed on every path.
func (o *Orchestrator) interactive(ctx context.Context, purpose string, scopes []string, surf surface.Surface) (*publicclient.AuthenticationResult, error) {
	if surf == nil {
		return nil, &TokenAcquisitionError{Purpose: purpose, Err: ErrNoSurface}
	}

	o.interactiveMu.Lock()
	defer o.interactiveMu.Unlock()

	fail := func(err error) (*publicclient.AuthenticationResult, error) {
		logging.Audit(logging.AuditEvent{
			Action:  "interactive_sign_in",
			Outcome: "failure",
			Target:  purpose,
			Error:   err.Error(),
		})
		return nil, &TokenAcquisitionError{Purpose: purpose, Err: err}
	}

	listener, err := o.listeners(surf)
	if err != nil {
		return fail(fmt.Errorf("failed to create redirect listener: %w", err))
	}

	waitCtx, cancelWait := context.WithCancelCause(ctx)
	defer cancelWait(nil)

	if err := listener.Start(waitCtx); err != nil {
		_ = listener.Close()
		return fail(err)
	}
	defer listener.Close()

	state, err := generateState()
	if err != nil {
		return fail(err)
	}
	verifier := oauth2.GenerateVerifier()
	redirectURI := listener.RedirectURI()

	authURL, err := o.client.AuthCodeURL(ctx, publicclient.AuthorizationURLRequest{
		Scopes:       scopes,
		RedirectURI:  redirectURI,
		State:        state,
		CodeVerifier: verifier,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to build sign-in URL: %w", err))
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(waitCtx, o.redirectTimeout)
	defer cancelTimeout()

	go func() {
		select {
		case <-surf.Closed():
			cancelWait(redirect.ErrSurfaceClosed)
		case <-timeoutCtx.Done():
		}
	}()

	if o.onAuthURL != nil {
		o.onAuthURL(authURL)
	}
	logging.Debug("Auth", "Loading sign-in page for %s, expecting redirect to %s", purpose, redirectURI)

	go func() {
		if err := surf.LoadURL(timeoutCtx, authURL); err != nil {
			cancelWait(fmt.Errorf("failed to load sign-in page: %w", err))
		}
	}()

	rawURL, err := listener.Wait(timeoutCtx)
	if err != nil {
		// The listener closes itself when waitCtx ends; report why it ended.
		cause := context.Cause(waitCtx)
		if cause != nil && !errors.Is(cause, context.Canceled) &&
			(errors.Is(err, context.Canceled) || errors.Is(err, redirect.ErrListenerClosed)) {
			err = cause
		}
		return fail(err)
	}
	_ = listener.Close()

	code, gotState, err := redirect.ParseCode(rawURL)
	if err != nil {
		return fail(err)
	}
	if gotState != state {
		return fail(&redirect.RedirectParseError{URL: rawURL, Reason: "state does not match the sign-in request"})
	}

	result, err := o.client.AcquireTokenByCode(ctx, publicclient.AuthorizationCodeRequest{
		Scopes:       scopes,
		RedirectURI:  redirectURI,
		Code:         code,
		CodeVerifier: verifier,
	})
	if err != nil {
		return fail(err)
	}
	if result == nil {
		logging.Warn("Auth", "Code exchange for %s returned no result", purpose)
		return nil, nil
	}

	if !result.Account.IsZero() {
		o.setAccount(result.Account)
	}
	logging.Audit(logging.AuditEvent{
		Action:        "interactive_sign_in",
		Outcome:       "success",
		Account:       result.Account.Username,
		CorrelationID: result.CorrelationID,
		Target:        purpose,
	})
	return result, nil
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
