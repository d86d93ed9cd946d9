package publicclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Serializer is the view of the token cache that persistence hooks get.
// Marshal produces an opaque blob; Unmarshal replaces the cache contents.
type Serializer interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// CacheContext is passed to the cache hooks around every cache access.
// HasChanged is only meaningful in AfterAccess.
type CacheContext struct {
	Cache      Serializer
	HasChanged bool
}

// CacheAccessor persists the token cache. BeforeAccess runs right before the
// client reads or writes the cache and AfterAccess right after; each pair
// wraps exactly one client call, and AfterAccess always runs once
// BeforeAccess succeeded.
type CacheAccessor interface {
	BeforeAccess(ctx context.Context, cc *CacheContext) error
	AfterAccess(ctx context.Context, cc *CacheContext) error
}

const (
	credentialAccessToken  = "AccessToken"
	credentialRefreshToken = "RefreshToken"
	credentialIDToken      = "IdToken"
)

type accountEntry struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	Realm          string `json:"realm"`
	LocalAccountID string `json:"local_account_id"`
	Username       string `json:"username"`
	Name           string `json:"name,omitempty"`
	AuthorityType  string `json:"authority_type"`
}

type accessTokenEntry struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	CredentialType string `json:"credential_type"`
	ClientID       string `json:"client_id"`
	Secret         string `json:"secret"`
	Realm          string `json:"realm"`
	Target         string `json:"target"`
	TokenType      string `json:"token_type,omitempty"`
	CachedAt       int64  `json:"cached_at,string"`
	ExpiresOn      int64  `json:"expires_on,string"`
}

type refreshTokenEntry struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	CredentialType string `json:"credential_type"`
	ClientID       string `json:"client_id"`
	Secret         string `json:"secret"`
}

type idTokenEntry struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	CredentialType string `json:"credential_type"`
	ClientID       string `json:"client_id"`
	Secret         string `json:"secret"`
	Realm          string `json:"realm"`
}

type appMetadataEntry struct {
	ClientID    string `json:"client_id"`
	Environment string `json:"environment"`
}

// cacheBlob is the persisted document. Section names follow the layout other
// MSAL libraries use so a cache file can be shared.
type cacheBlob struct {
	Accounts      map[string]accountEntry      `json:"Account"`
	AccessTokens  map[string]accessTokenEntry  `json:"AccessToken"`
	RefreshTokens map[string]refreshTokenEntry `json:"RefreshToken"`
	IDTokens      map[string]idTokenEntry      `json:"IdToken"`
	AppMetadata   map[string]appMetadataEntry  `json:"AppMetadata"`
}

func emptyBlob() cacheBlob {
	return cacheBlob{
		Accounts:      map[string]accountEntry{},
		AccessTokens:  map[string]accessTokenEntry{},
		RefreshTokens: map[string]refreshTokenEntry{},
		IDTokens:      map[string]idTokenEntry{},
		AppMetadata:   map[string]appMetadataEntry{},
	}
}

// TokenCache is the in-memory token cache. It is safe for concurrent use.
type TokenCache struct {
	mu      sync.Mutex
	blob    cacheBlob
	changed bool
}

// NewTokenCache returns an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{blob: emptyBlob()}
}

// Marshal serializes the cache.
func (c *TokenCache) Marshal() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.MarshalIndent(c.blob, "", "  ")
}

// Unmarshal replaces the cache contents with data. Empty data resets the
// cache. On error the cache is left empty.
func (c *TokenCache) Unmarshal(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blob := emptyBlob()
	if len(strings.TrimSpace(string(data))) == 0 {
		c.blob = blob
		return nil
	}
	if err := json.Unmarshal(data, &blob); err != nil {
		c.blob = emptyBlob()
		return fmt.Errorf("failed to decode token cache: %w", err)
	}
	fillSections(&blob)
	c.blob = blob
	return nil
}

func fillSections(b *cacheBlob) {
	if b.Accounts == nil {
		b.Accounts = map[string]accountEntry{}
	}
	if b.AccessTokens == nil {
		b.AccessTokens = map[string]accessTokenEntry{}
	}
	if b.RefreshTokens == nil {
		b.RefreshTokens = map[string]refreshTokenEntry{}
	}
	if b.IDTokens == nil {
		b.IDTokens = map[string]idTokenEntry{}
	}
	if b.AppMetadata == nil {
		b.AppMetadata = map[string]appMetadataEntry{}
	}
}

func (c *TokenCache) resetChanged() {
	c.mu.Lock()
	c.changed = false
	c.mu.Unlock()
}

func (c *TokenCache) hasChanged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func cacheKey(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "-"))
}

// tokenSet is everything one token response contributes to the cache.
type tokenSet struct {
	account      Account
	clientID     string
	accessToken  string
	refreshToken string
	idToken      string
	tokenType    string
	scopes       []string
	expiresOn    time.Time
}

func (c *TokenCache) save(ts tokenSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acct := ts.account
	now := time.Now()

	c.blob.Accounts[cacheKey(acct.HomeAccountID, acct.Environment, acct.TenantID)] = accountEntry{
		HomeAccountID:  acct.HomeAccountID,
		Environment:    acct.Environment,
		Realm:          acct.TenantID,
		LocalAccountID: acct.LocalAccountID,
		Username:       acct.Username,
		Name:           acct.Name,
		AuthorityType:  "MSSTS",
	}

	if ts.accessToken != "" {
		target := strings.Join(ts.scopes, " ")
		// One access token per account and scope set.
		for k, at := range c.blob.AccessTokens {
			if at.HomeAccountID == acct.HomeAccountID && at.ClientID == ts.clientID && strings.EqualFold(at.Target, target) {
				delete(c.blob.AccessTokens, k)
			}
		}
		c.blob.AccessTokens[cacheKey(acct.HomeAccountID, acct.Environment, credentialAccessToken, ts.clientID, acct.TenantID, target)] = accessTokenEntry{
			HomeAccountID:  acct.HomeAccountID,
			Environment:    acct.Environment,
			CredentialType: credentialAccessToken,
			ClientID:       ts.clientID,
			Secret:         ts.accessToken,
			Realm:          acct.TenantID,
			Target:         target,
			TokenType:      ts.tokenType,
			CachedAt:       now.Unix(),
			ExpiresOn:      ts.expiresOn.Unix(),
		}
	}

	if ts.refreshToken != "" {
		c.blob.RefreshTokens[cacheKey(acct.HomeAccountID, acct.Environment, credentialRefreshToken, ts.clientID, "", "")] = refreshTokenEntry{
			HomeAccountID:  acct.HomeAccountID,
			Environment:    acct.Environment,
			CredentialType: credentialRefreshToken,
			ClientID:       ts.clientID,
			Secret:         ts.refreshToken,
		}
	}

	if ts.idToken != "" {
		c.blob.IDTokens[cacheKey(acct.HomeAccountID, acct.Environment, credentialIDToken, ts.clientID, acct.TenantID, "")] = idTokenEntry{
			HomeAccountID:  acct.HomeAccountID,
			Environment:    acct.Environment,
			CredentialType: credentialIDToken,
			ClientID:       ts.clientID,
			Secret:         ts.idToken,
			Realm:          acct.TenantID,
		}
	}

	c.blob.AppMetadata[cacheKey("appmetadata", acct.Environment, ts.clientID)] = appMetadataEntry{
		ClientID:    ts.clientID,
		Environment: acct.Environment,
	}

	c.changed = true
}

func (c *TokenCache) accounts() []Account {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Account, 0, len(c.blob.Accounts))
	for _, e := range c.blob.Accounts {
		out = append(out, e.toAccount())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HomeAccountID < out[j].HomeAccountID })
	return out
}

func (e accountEntry) toAccount() Account {
	return Account{
		HomeAccountID:  e.HomeAccountID,
		Environment:    e.Environment,
		TenantID:       e.Realm,
		LocalAccountID: e.LocalAccountID,
		Username:       e.Username,
		Name:           e.Name,
	}
}

func (c *TokenCache) account(homeAccountID string) (Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.blob.Accounts {
		if e.HomeAccountID == homeAccountID {
			return e.toAccount(), true
		}
	}
	return Account{}, false
}

// accessToken returns the cached access token for the account whose target
// covers every requested scope. Among several, the one expiring last wins.
func (c *TokenCache) accessToken(homeAccountID, clientID string, scopes []string) (accessTokenEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best accessTokenEntry
	found := false
	for _, at := range c.blob.AccessTokens {
		if at.HomeAccountID != homeAccountID || at.ClientID != clientID {
			continue
		}
		if !coversScopes(strings.Fields(at.Target), scopes) {
			continue
		}
		if !found || at.ExpiresOn > best.ExpiresOn {
			best, found = at, true
		}
	}
	return best, found
}

func (c *TokenCache) refreshToken(homeAccountID, clientID string) (refreshTokenEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rt := range c.blob.RefreshTokens {
		if rt.HomeAccountID == homeAccountID && rt.ClientID == clientID {
			return rt, true
		}
	}
	return refreshTokenEntry{}, false
}

func (c *TokenCache) idToken(homeAccountID, clientID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, it := range c.blob.IDTokens {
		if it.HomeAccountID == homeAccountID && it.ClientID == clientID {
			return it.Secret
		}
	}
	return ""
}

// remove drops the account and every credential issued to it.
func (c *TokenCache) remove(homeAccountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for k, e := range c.blob.Accounts {
		if e.HomeAccountID == homeAccountID {
			delete(c.blob.Accounts, k)
			removed = true
		}
	}
	for k, e := range c.blob.AccessTokens {
		if e.HomeAccountID == homeAccountID {
			delete(c.blob.AccessTokens, k)
			removed = true
		}
	}
	for k, e := range c.blob.RefreshTokens {
		if e.HomeAccountID == homeAccountID {
			delete(c.blob.RefreshTokens, k)
			removed = true
		}
	}
	for k, e := range c.blob.IDTokens {
		if e.HomeAccountID == homeAccountID {
			delete(c.blob.IDTokens, k)
			removed = true
		}
	}
	if removed {
		c.changed = true
	}
	return removed
}

// reservedScopes are added to every request and never part of a token target.
var reservedScopes = []string{"openid", "profile", "offline_access"}

func isReserved(scope string) bool {
	for _, r := range reservedScopes {
		if strings.EqualFold(scope, r) {
			return true
		}
	}
	return false
}

func coversScopes(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range want {
		if isReserved(s) {
			continue
		}
		if _, ok := set[strings.ToLower(s)]; !ok {
			return false
		}
	}
	return true
}

// withReservedScopes returns scopes plus the reserved ones, without
// duplicates.
func withReservedScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes)+len(reservedScopes))
	seen := map[string]struct{}{}
	for _, s := range append(append([]string{}, scopes...), reservedScopes...) {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok || s == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// tokenTarget is the scope list stored with an access token.
func tokenTarget(granted string, requested []string) []string {
	source := strings.Fields(granted)
	if len(source) == 0 {
		source = requested
	}
	out := make([]string, 0, len(source))
	for _, s := range source {
		if !isReserved(s) {
			out = append(out, s)
		}
	}
	return out
}

func unixTime(s int64) time.Time {
	return time.Unix(s, 0)
}

// expiresInSeconds is used for log output only.
func expiresInSeconds(t time.Time) string {
	return strconv.FormatInt(int64(time.Until(t).Seconds()), 10)
}
