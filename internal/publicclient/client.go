package publicclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// ExpiryMargin is how long before expiry a cached access token is
	// considered stale.
	ExpiryMargin = 5 * time.Minute
)

// Config configures a Client. Either Authority or both AuthURL and TokenURL
// must be set; explicit endpoints skip discovery.
type Config struct {
	ClientID  string
	Authority string
	AuthURL   string
	TokenURL  string

	HTTPClient *http.Client
	// Cache persists the token cache. Nil keeps it in memory only.
	Cache CacheAccessor
}

// Client is a public OAuth2 client: no secret, authorization-code grant with
// PKCE, refresh-token based silent renewal, and a token cache persisted
// through CacheAccessor hooks.
type Client struct {
	clientID    string
	authority   string
	environment string
	httpClient  *http.Client
	accessor    CacheAccessor
	cache       *TokenCache
	logger      *slog.Logger
	now         func() time.Time

	endpointMu sync.RWMutex
	endpoint   *oauth2.Endpoint

	// singleflight groups to deduplicate concurrent discovery and refreshes
	discoveryGroup singleflight.Group
	refreshGroup   singleflight.Group
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.Authority == "" && (cfg.AuthURL == "" || cfg.TokenURL == "") {
		return nil, errors.New("either authority or both auth and token URLs are required")
	}

	c := &Client{
		clientID:   cfg.ClientID,
		authority:  strings.TrimSuffix(cfg.Authority, "/"),
		httpClient: cfg.HTTPClient,
		accessor:   cfg.Cache,
		cache:      NewTokenCache(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	if cfg.AuthURL != "" && cfg.TokenURL != "" {
		c.endpoint = &oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}

	envSource := c.authority
	if envSource == "" {
		envSource = cfg.TokenURL
	}
	u, err := url.Parse(envSource)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid authority %q", envSource)
	}
	c.environment = strings.ToLower(u.Host)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TokenCache returns the client's in-memory cache.
func (c *Client) TokenCache() *TokenCache { return c.cache }

// Environment is the identity provider host accounts are bound to.
func (c *Client) Environment() string { return c.environment }

// resolveEndpoint returns the authorize and token endpoints, discovering
// them from the authority on first use.
func (c *Client) resolveEndpoint(ctx context.Context) (oauth2.Endpoint, error) {
	c.endpointMu.RLock()
	if c.endpoint != nil {
		ep := *c.endpoint
		c.endpointMu.RUnlock()
		return ep, nil
	}
	c.endpointMu.RUnlock()

	result, err, _ := c.discoveryGroup.Do(c.authority, func() (interface{}, error) {
		c.endpointMu.RLock()
		if c.endpoint != nil {
			ep := *c.endpoint
			c.endpointMu.RUnlock()
			return ep, nil
		}
		c.endpointMu.RUnlock()

		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), c.authority)
		if err != nil {
			return nil, fmt.Errorf("failed to discover endpoints for %s: %w", c.authority, err)
		}

		ep := provider.Endpoint()
		ep.AuthStyle = oauth2.AuthStyleInParams

		c.endpointMu.Lock()
		c.endpoint = &ep
		c.endpointMu.Unlock()

		c.logger.Debug("Discovered identity provider endpoints",
			"authority", c.authority,
			"authorization_endpoint", ep.AuthURL,
			"token_endpoint", ep.TokenURL)
		return ep, nil
	})
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	return result.(oauth2.Endpoint), nil
}

func (c *Client) oauthConfig(ctx context.Context, scopes []string, redirectURI string) (*oauth2.Config, error) {
	ep, err := c.resolveEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:    c.clientID,
		Endpoint:    ep,
		RedirectURL: redirectURI,
		Scopes:      withReservedScopes(scopes),
	}, nil
}

// requestContext carries an HTTP client tagging every token request with
// the correlation ID. The x/oauth2 refresh grant sends no scope, so scopes
// given here are added to token requests that lack one.
func (c *Client) requestContext(ctx context.Context, correlationID string, scopes []string) context.Context {
	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := *c.httpClient
	client.Transport = &correlationTransport{base: base, id: correlationID, scope: strings.Join(scopes, " ")}
	return context.WithValue(ctx, oauth2.HTTPClient, &client)
}

type correlationTransport struct {
	base  http.RoundTripper
	id    string
	scope string
}

func (t *correlationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("client-request-id", t.id)
	r.Header.Set("return-client-request-id", "true")

	if t.scope != "" && r.Method == http.MethodPost && r.Body != nil &&
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(body))
		if err == nil && form.Get("scope") == "" {
			form.Set("scope", t.scope)
			body = []byte(form.Encode())
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return t.base.RoundTrip(r)
}

// withCache runs fn between the BeforeAccess and AfterAccess hooks.
func (c *Client) withCache(ctx context.Context, fn func() error) error {
	cc := &CacheContext{Cache: c.cache}
	if c.accessor != nil {
		if err := c.accessor.BeforeAccess(ctx, cc); err != nil {
			return fmt.Errorf("token cache before-access hook failed: %w", err)
		}
	}

	c.cache.resetChanged()
	fnErr := fn()
	cc.HasChanged = c.cache.hasChanged()

	if c.accessor != nil {
		if err := c.accessor.AfterAccess(ctx, cc); err != nil {
			if fnErr != nil {
				c.logger.Warn("Token cache after-access hook failed", "error", err)
				return fnErr
			}
			return fmt.Errorf("token cache after-access hook failed: %w", err)
		}
	}
	return fnErr
}

// AuthCodeURL builds the URL of the sign-in page.
func (c *Client) AuthCodeURL(ctx context.Context, req AuthorizationURLRequest) (string, error) {
	cfg, err := c.oauthConfig(ctx, req.Scopes, req.RedirectURI)
	if err != nil {
		return "", err
	}

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	if req.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	}
	if req.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", req.Prompt))
	}
	keys := make([]string, 0, len(req.ExtraParams))
	for k := range req.ExtraParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, req.ExtraParams[k]))
	}

	return cfg.AuthCodeURL(req.State, opts...), nil
}

// AcquireTokenByCode redeems an authorization code and caches the tokens.
func (c *Client) AcquireTokenByCode(ctx context.Context, req AuthorizationCodeRequest) (*AuthenticationResult, error) {
	if req.Code == "" {
		return nil, errors.New("authorization code is required")
	}

	cfg, err := c.oauthConfig(ctx, req.Scopes, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}

	token, err := cfg.Exchange(c.requestContext(ctx, correlationID, nil), req.Code, opts...)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed (correlation %s): %w", correlationID, err)
	}

	var result *AuthenticationResult
	err = c.withCache(ctx, func() error {
		var err error
		result, err = c.storeToken(token, req.Scopes, Account{})
		return err
	})
	if err != nil {
		return nil, err
	}
	result.CorrelationID = correlationID

	c.logger.Debug("Redeemed authorization code",
		"correlation_id", correlationID,
		"expires_in", expiresInSeconds(result.ExpiresOn))
	return result, nil
}

// AcquireTokenSilent returns a cached access token or renews it with the
// cached refresh token. Failures are *SilentAcquisitionError.
//
// A renewal takes two hook pairs: one to read the refresh token and one to
// store the response. The token request itself runs with the cache unlocked.
func (c *Client) AcquireTokenSilent(ctx context.Context, req SilentFlowRequest) (*AuthenticationResult, error) {
	if req.Account.IsZero() {
		return nil, silentFailure("no account", nil)
	}

	correlationID := uuid.NewString()
	var (
		result       *AuthenticationResult
		account      Account
		refreshToken string
	)

	err := c.withCache(ctx, func() error {
		var ok bool
		account, ok = c.cache.account(req.Account.HomeAccountID)
		if !ok {
			return silentFailure("account not found in cache", nil)
		}

		if !req.ForceRefresh {
			if at, ok := c.cache.accessToken(account.HomeAccountID, c.clientID, req.Scopes); ok {
				expiresOn := unixTime(at.ExpiresOn)
				if expiresOn.Sub(c.now()) > ExpiryMargin {
					result = &AuthenticationResult{
						AccessToken: at.Secret,
						IDToken:     c.cache.idToken(account.HomeAccountID, c.clientID),
						Account:     account,
						Scopes:      strings.Fields(at.Target),
						ExpiresOn:   expiresOn,
						TokenType:   at.TokenType,
						FromCache:   true,
					}
					return nil
				}
			}
		}

		rt, ok := c.cache.refreshToken(account.HomeAccountID, c.clientID)
		if !ok {
			return silentFailure("no refresh token", nil)
		}
		refreshToken = rt.Secret
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		result.CorrelationID = correlationID
		return result, nil
	}

	token, err := c.refresh(ctx, account, refreshToken, req.Scopes, correlationID)
	if err != nil {
		return nil, silentFailure("refresh failed", err)
	}

	err = c.withCache(ctx, func() error {
		// signed out while the request was in flight
		if _, ok := c.cache.refreshToken(account.HomeAccountID, c.clientID); !ok {
			return silentFailure("account removed during refresh", nil)
		}
		var err error
		result, err = c.storeToken(token, req.Scopes, account)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.CorrelationID = correlationID
	return result, nil
}

// refresh redeems a refresh token. Concurrent refreshes for the same account
// and scopes share one request.
func (c *Client) refresh(ctx context.Context, account Account, refreshToken string, scopes []string, correlationID string) (*oauth2.Token, error) {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	key := account.HomeAccountID + "|" + strings.ToLower(strings.Join(sorted, " "))

	v, err, shared := c.refreshGroup.Do(key, func() (interface{}, error) {
		cfg, err := c.oauthConfig(ctx, scopes, "")
		if err != nil {
			return nil, err
		}
		ts := cfg.TokenSource(c.requestContext(ctx, correlationID, cfg.Scopes), &oauth2.Token{RefreshToken: refreshToken})
		return ts.Token()
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Shared in-flight token refresh", "account", account.Username)
	}
	return v.(*oauth2.Token), nil
}

// storeToken writes a token response to the cache. fallback is used when the
// response carries no id_token, which is normal for refresh responses.
func (c *Client) storeToken(token *oauth2.Token, requested []string, fallback Account) (*AuthenticationResult, error) {
	idToken, _ := token.Extra("id_token").(string)
	granted, _ := token.Extra("scope").(string)

	account := fallback
	if idToken != "" {
		parsed, err := accountFromIDToken(idToken, c.environment)
		if err != nil {
			return nil, err
		}
		account = parsed
	}

	scopes := tokenTarget(granted, requested)
	result := &AuthenticationResult{
		AccessToken: token.AccessToken,
		IDToken:     idToken,
		Account:     account,
		Scopes:      scopes,
		ExpiresOn:   token.Expiry,
		TokenType:   token.Type(),
	}

	if account.IsZero() {
		c.logger.Warn("Token response carried no account information, not caching it")
		return result, nil
	}
	if result.IDToken == "" {
		result.IDToken = c.cache.idToken(account.HomeAccountID, c.clientID)
	}

	c.cache.save(tokenSet{
		account:      account,
		clientID:     c.clientID,
		accessToken:  token.AccessToken,
		refreshToken: token.RefreshToken,
		idToken:      idToken,
		tokenType:    token.Type(),
		scopes:       scopes,
		expiresOn:    token.Expiry,
	})
	return result, nil
}

// Accounts lists the cached accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := c.withCache(ctx, func() error {
		accounts = c.cache.accounts()
		return nil
	})
	return accounts, err
}

// RemoveAccount deletes the account and its tokens from the cache.
func (c *Client) RemoveAccount(ctx context.Context, account Account) error {
	if account.IsZero() {
		return nil
	}
	return c.withCache(ctx, func() error {
		if !c.cache.remove(account.HomeAccountID) {
			c.logger.Debug("Account not present in token cache", "account", account.Username)
		}
		return nil
	})
}
