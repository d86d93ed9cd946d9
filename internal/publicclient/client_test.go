package publicclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/deskauth/internal/testing/fakeidp"
)

const testRedirectURI = "msal://redirect"

// recordingAccessor keeps the blob in memory and records every hook call.
type recordingAccessor struct {
	mu      sync.Mutex
	blob    []byte
	calls   []string
	changed []bool
}

func (r *recordingAccessor) BeforeAccess(_ context.Context, cc *CacheContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "before")
	return cc.Cache.Unmarshal(r.blob)
}

func (r *recordingAccessor) AfterAccess(_ context.Context, cc *CacheContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "after")
	r.changed = append(r.changed, cc.HasChanged)
	if cc.HasChanged {
		data, err := cc.Cache.Marshal()
		if err != nil {
			return err
		}
		r.blob = data
	}
	return nil
}

func (r *recordingAccessor) snapshot() ([]string, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]bool(nil), r.changed...)
}

func newTestClient(t *testing.T, idp *fakeidp.Server, accessor CacheAccessor, opts ...ClientOption) *Client {
	t.Helper()
	c, err := New(Config{
		ClientID:  idp.ClientID(),
		Authority: idp.Issuer(),
		Cache:     accessor,
	}, opts...)
	require.NoError(t, err)
	return c
}

// authorize walks the sign-in page and returns the code from the redirect.
func authorize(t *testing.T, c *Client, scopes []string, verifier string) string {
	t.Helper()

	authURL, err := c.AuthCodeURL(context.Background(), AuthorizationURLRequest{
		Scopes:       scopes,
		RedirectURI:  testRedirectURI,
		State:        "xyz",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noFollow.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	return location.Query().Get("code")
}

func signIn(t *testing.T, c *Client, scopes []string) *AuthenticationResult {
	t.Helper()
	verifier := oauth2.GenerateVerifier()
	code := authorize(t, c, scopes, verifier)

	result, err := c.AcquireTokenByCode(context.Background(), AuthorizationCodeRequest{
		Scopes:       scopes,
		RedirectURI:  testRedirectURI,
		Code:         code,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Authority: "https://login.example.com/common/v2.0"})
	assert.Error(t, err)

	_, err = New(Config{ClientID: "app"})
	assert.Error(t, err)

	_, err = New(Config{ClientID: "app", AuthURL: "https://idp/authorize"})
	assert.Error(t, err)

	c, err := New(Config{ClientID: "app", AuthURL: "https://idp.example.com/authorize", TokenURL: "https://idp.example.com/token"})
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", c.Environment())
}

func TestAuthCodeURL(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	raw, err := c.AuthCodeURL(context.Background(), AuthorizationURLRequest{
		Scopes:       []string{"User.Read"},
		RedirectURI:  testRedirectURI,
		State:        "state-1",
		CodeVerifier: oauth2.GenerateVerifier(),
		LoginHint:    "adele@contoso.example",
		Prompt:       "select_account",
		ExtraParams:  map[string]string{"domain_hint": "contoso.example"},
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.True(t, strings.HasPrefix(raw, idp.AuthorizeURL()))
	assert.Equal(t, idp.ClientID(), q.Get("client_id"))
	assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "adele@contoso.example", q.Get("login_hint"))
	assert.Equal(t, "select_account", q.Get("prompt"))
	assert.Equal(t, "contoso.example", q.Get("domain_hint"))
	assert.ElementsMatch(t, []string{"User.Read", "openid", "profile", "offline_access"}, strings.Fields(q.Get("scope")))
}

func TestAuthCodeURL_ExplicitEndpointsSkipDiscovery(t *testing.T) {
	c, err := New(Config{
		ClientID: "app",
		AuthURL:  "http://127.0.0.1:1/authorize",
		TokenURL: "http://127.0.0.1:1/token",
	})
	require.NoError(t, err)

	raw, err := c.AuthCodeURL(context.Background(), AuthorizationURLRequest{RedirectURI: testRedirectURI, State: "s"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "http://127.0.0.1:1/authorize?"))
}

func TestAcquireTokenByCode_ThenSilentFromCache(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{PKCERequired: true})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	result := signIn(t, c, []string{"User.Read"})
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.IDToken)
	assert.Equal(t, idp.HomeAccountID(), result.Account.HomeAccountID)
	assert.Equal(t, "adele@contoso.example", result.Account.Username)
	assert.Equal(t, idp.Environment(), result.Account.Environment)
	assert.Equal(t, []string{"User.Read"}, result.Scopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), result.ExpiresOn, time.Minute)
	_, err := uuid.Parse(result.CorrelationID)
	assert.NoError(t, err)

	silent, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:  []string{"User.Read"},
		Account: result.Account,
	})
	require.NoError(t, err)
	assert.True(t, silent.FromCache)
	assert.Equal(t, result.AccessToken, silent.AccessToken)
	assert.Equal(t, 1, idp.CodeGrants())
	assert.Equal(t, 0, idp.RefreshGrants())
	assert.Equal(t, 1, idp.AuthorizeCount())
}

func TestAcquireTokenByCode_WrongVerifier(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	code := authorize(t, c, []string{"User.Read"}, oauth2.GenerateVerifier())
	_, err := c.AcquireTokenByCode(context.Background(), AuthorizationCodeRequest{
		Scopes:       []string{"User.Read"},
		RedirectURI:  testRedirectURI,
		Code:         code,
		CodeVerifier: oauth2.GenerateVerifier(),
	})
	require.Error(t, err)

	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestAcquireTokenSilent_RefreshesNearExpiry(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()

	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	c := newTestClient(t, idp, nil, WithClock(clock))

	first := signIn(t, c, []string{"User.Read"})

	// inside the five minute margin
	clockMu.Lock()
	now = now.Add(56 * time.Minute)
	clockMu.Unlock()

	renewed, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:  []string{"User.Read"},
		Account: first.Account,
	})
	require.NoError(t, err)
	assert.False(t, renewed.FromCache)
	assert.NotEqual(t, first.AccessToken, renewed.AccessToken)
	assert.Equal(t, first.Account, renewed.Account)
	assert.Equal(t, 1, idp.RefreshGrants())
}

func TestAcquireTokenSilent_ForceRefresh(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	first := signIn(t, c, []string{"User.Read"})
	renewed, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:       []string{"User.Read"},
		Account:      first.Account,
		ForceRefresh: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, renewed.AccessToken)
	assert.Equal(t, 1, idp.RefreshGrants())
}

func TestAcquireTokenSilent_OtherScopeUsesRefreshToken(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	first := signIn(t, c, []string{"User.Read"})

	mail, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:  []string{"Mail.Read"},
		Account: first.Account,
	})
	require.NoError(t, err)
	assert.False(t, mail.FromCache)

	forms := idp.TokenForms()
	last := forms[len(forms)-1]
	assert.Equal(t, "refresh_token", last.Get("grant_type"))
	assert.Contains(t, strings.Fields(last.Get("scope")), "Mail.Read")

	// both tokens are now cached side by side
	profile, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{Scopes: []string{"User.Read"}, Account: first.Account})
	require.NoError(t, err)
	assert.True(t, profile.FromCache)

	mailAgain, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{Scopes: []string{"Mail.Read"}, Account: first.Account})
	require.NoError(t, err)
	assert.True(t, mailAgain.FromCache)
	assert.Equal(t, mail.AccessToken, mailAgain.AccessToken)
}

func TestAcquireTokenSilent_Failures(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	t.Run("no account", func(t *testing.T) {
		_, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{Scopes: []string{"User.Read"}})
		var silentErr *SilentAcquisitionError
		require.ErrorAs(t, err, &silentErr)
		assert.Equal(t, "no account", silentErr.Reason)
		assert.ErrorIs(t, err, ErrInteractionRequired)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
			Scopes:  []string{"User.Read"},
			Account: Account{HomeAccountID: "nobody.tenant"},
		})
		assert.ErrorIs(t, err, ErrInteractionRequired)
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		first := signIn(t, c, []string{"User.Read"})
		idp.RevokeRefreshTokens()

		_, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
			Scopes:       []string{"User.Read"},
			Account:      first.Account,
			ForceRefresh: true,
		})
		var silentErr *SilentAcquisitionError
		require.ErrorAs(t, err, &silentErr)
		assert.Equal(t, "refresh failed", silentErr.Reason)
		assert.ErrorIs(t, err, ErrInteractionRequired)

		var retrieveErr *oauth2.RetrieveError
		assert.ErrorAs(t, err, &retrieveErr)
	})
}

func TestTokenRequestsCarryCorrelationID(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	result := signIn(t, c, []string{"User.Read"})

	ids := idp.RequestIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, result.CorrelationID, ids[0])
}

func TestCacheHooksWrapEveryAccess(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	accessor := &recordingAccessor{}
	c := newTestClient(t, idp, accessor)

	accounts, err := c.Accounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)

	result := signIn(t, c, []string{"User.Read"})

	accounts, err = c.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, result.Account, accounts[0])

	require.NoError(t, c.RemoveAccount(context.Background(), result.Account))

	calls, changed := accessor.snapshot()
	assert.Equal(t, []string{"before", "after", "before", "after", "before", "after", "before", "after"}, calls)
	assert.Equal(t, []bool{false, true, false, true}, changed)

	accounts, err = c.Accounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

// heldAccessor reports whether a hook pair is open.
type heldAccessor struct {
	recordingAccessor
	held atomic.Bool
}

func (a *heldAccessor) BeforeAccess(ctx context.Context, cc *CacheContext) error {
	a.held.Store(true)
	return a.recordingAccessor.BeforeAccess(ctx, cc)
}

func (a *heldAccessor) AfterAccess(ctx context.Context, cc *CacheContext) error {
	defer a.held.Store(false)
	return a.recordingAccessor.AfterAccess(ctx, cc)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// newWatchedClient returns a client whose token requests call onTokenRequest
// first.
func newWatchedClient(t *testing.T, idp *fakeidp.Server, accessor CacheAccessor, onTokenRequest func()) *Client {
	t.Helper()
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/token") {
			onTokenRequest()
		}
		return http.DefaultTransport.RoundTrip(r)
	})}
	c, err := New(Config{
		ClientID:   idp.ClientID(),
		Authority:  idp.Issuer(),
		HTTPClient: httpClient,
		Cache:      accessor,
	})
	require.NoError(t, err)
	return c
}

func TestAcquireTokenSilent_RefreshRunsOutsideHooks(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	accessor := &heldAccessor{}

	var heldDuringRequest atomic.Bool
	c := newWatchedClient(t, idp, accessor, func() {
		if accessor.held.Load() {
			heldDuringRequest.Store(true)
		}
	})

	first := signIn(t, c, []string{"User.Read"})
	renewed, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:       []string{"User.Read"},
		Account:      first.Account,
		ForceRefresh: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, renewed.AccessToken)
	assert.False(t, heldDuringRequest.Load(), "token requests must not run inside a hook pair")

	calls, changed := accessor.snapshot()
	// sign-in store, then read and store around the refresh
	assert.Equal(t, []string{"before", "after", "before", "after", "before", "after"}, calls)
	assert.Equal(t, []bool{true, false, true}, changed)
}

func TestAcquireTokenSilent_SignOutDuringRefresh(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	accessor := &heldAccessor{}

	refreshing := false
	c := newWatchedClient(t, idp, accessor, func() {
		if refreshing {
			// another process signs out while the request is in flight
			accessor.mu.Lock()
			accessor.blob = nil
			accessor.mu.Unlock()
		}
	})

	first := signIn(t, c, []string{"User.Read"})
	refreshing = true
	_, err := c.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:       []string{"User.Read"},
		Account:      first.Account,
		ForceRefresh: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInteractionRequired)

	accessor.mu.Lock()
	defer accessor.mu.Unlock()
	assert.Nil(t, accessor.blob, "the refreshed tokens must not be written back")
}

func TestCacheSharedBetweenClients(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{})
	defer idp.Close()
	accessor := &recordingAccessor{}

	first := newTestClient(t, idp, accessor)
	result := signIn(t, first, []string{"User.Read"})

	// a second client instance sees the persisted state through the hooks
	second := newTestClient(t, idp, accessor)
	silent, err := second.AcquireTokenSilent(context.Background(), SilentFlowRequest{
		Scopes:  []string{"User.Read"},
		Account: result.Account,
	})
	require.NoError(t, err)
	assert.True(t, silent.FromCache)
	assert.Equal(t, result.AccessToken, silent.AccessToken)
}

func TestAccountFromIDToken(t *testing.T) {
	idp := fakeidp.New(fakeidp.Config{User: fakeidp.User{
		ObjectID: "oid-1",
		TenantID: "tid-1",
		Username: "megan@contoso.example",
		Name:     "Megan Bowen",
	}})
	defer idp.Close()
	c := newTestClient(t, idp, nil)

	result := signIn(t, c, []string{"User.Read"})
	assert.Equal(t, Account{
		HomeAccountID:  "oid-1.tid-1",
		Environment:    idp.Environment(),
		TenantID:       "tid-1",
		LocalAccountID: "oid-1",
		Username:       "megan@contoso.example",
		Name:           "Megan Bowen",
	}, result.Account)

	_, err := accountFromIDToken("not-a-jwt", "login.example.com")
	assert.Error(t, err)
}

func TestTokenCache_MarshalSections(t *testing.T) {
	cache := NewTokenCache()
	data, err := cache.Marshal()
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, section := range []string{"Account", "AccessToken", "RefreshToken", "IdToken", "AppMetadata"} {
		assert.Contains(t, doc, section)
	}

	require.NoError(t, cache.Unmarshal([]byte(`{"Account":{}}`)))
	assert.Empty(t, cache.accounts())

	assert.Error(t, cache.Unmarshal([]byte("{not json")))
	assert.Empty(t, cache.accounts())

	require.NoError(t, cache.Unmarshal(nil))
}

func TestTokenCache_AccessTokenPrefersLatestExpiry(t *testing.T) {
	account := Account{HomeAccountID: "oid.tid", Environment: "login.example.com", TenantID: "tid"}
	base := time.Unix(1893456000, 0)

	for i := 0; i < 10; i++ {
		cache := NewTokenCache()
		cache.save(tokenSet{account: account, clientID: "app", accessToken: "narrow-valid",
			scopes: []string{"User.Read"}, expiresOn: base.Add(time.Hour)})
		cache.save(tokenSet{account: account, clientID: "app", accessToken: "wide-expired",
			scopes: []string{"User.Read", "Mail.Read"}, expiresOn: base.Add(-time.Hour)})

		at, ok := cache.accessToken("oid.tid", "app", []string{"User.Read"})
		require.True(t, ok)
		assert.Equal(t, "narrow-valid", at.Secret)
	}
}

func TestTokenCache_RoundTrip(t *testing.T) {
	cache := NewTokenCache()
	account := Account{HomeAccountID: "oid.tid", Environment: "login.example.com", TenantID: "tid", LocalAccountID: "oid", Username: "u@example.com"}
	cache.save(tokenSet{
		account:      account,
		clientID:     "app",
		accessToken:  "at",
		refreshToken: "rt",
		idToken:      "idt",
		tokenType:    "Bearer",
		scopes:       []string{"User.Read"},
		expiresOn:    time.Unix(1893456000, 0),
	})
	assert.True(t, cache.hasChanged())

	data, err := cache.Marshal()
	require.NoError(t, err)

	restored := NewTokenCache()
	require.NoError(t, restored.Unmarshal(data))
	assert.Equal(t, []Account{account}, restored.accounts())

	at, ok := restored.accessToken("oid.tid", "app", []string{"user.read", "openid"})
	require.True(t, ok)
	assert.Equal(t, "at", at.Secret)
	assert.Equal(t, int64(1893456000), at.ExpiresOn)

	rt, ok := restored.refreshToken("oid.tid", "app")
	require.True(t, ok)
	assert.Equal(t, "rt", rt.Secret)
	assert.Equal(t, "idt", restored.idToken("oid.tid", "app"))

	assert.True(t, restored.remove("oid.tid"))
	assert.False(t, restored.remove("oid.tid"))
	assert.Empty(t, restored.accounts())
}

func TestScopeHelpers(t *testing.T) {
	assert.Equal(t, []string{"User.Read", "openid", "profile", "offline_access"}, withReservedScopes([]string{"User.Read", "openid"}))
	assert.Equal(t, []string{"Mail.Read"}, tokenTarget("openid Mail.Read profile", nil))
	assert.Equal(t, []string{"User.Read"}, tokenTarget("", []string{"openid", "User.Read"}))
	assert.True(t, coversScopes([]string{"User.Read", "Mail.Read"}, []string{"mail.read", "offline_access"}))
	assert.False(t, coversScopes([]string{"User.Read"}, []string{"Mail.Read"}))
}
