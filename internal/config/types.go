package config

import "time"

// Redirect modes select which redirect listener the orchestrator builds for
// an interactive acquisition.
const (
	RedirectModeScheme   = "scheme"
	RedirectModeLoopback = "loopback"
)

// Cache backends select where the serialized token cache is persisted.
const (
	CacheBackendFile    = "file"
	CacheBackendKeyring = "keyring"
)

// Config is the deskauth configuration as read from config.yaml.
type Config struct {
	// ClientID is the public client (application) ID registered with the identity provider.
	ClientID string `yaml:"clientId"`

	// Authority is the OIDC issuer used for endpoint discovery.
	Authority string `yaml:"authority"`

	// AuthURL and TokenURL skip discovery when both are set.
	AuthURL  string `yaml:"authUrl,omitempty"`
	TokenURL string `yaml:"tokenUrl,omitempty"`

	// Scopes are the base scopes requested by an explicit login.
	Scopes []string `yaml:"scopes"`

	// Purposes maps a token purpose ("profile", "mail") to the scopes its silent request uses.
	Purposes map[string][]string `yaml:"purposes"`

	Redirect RedirectConfig `yaml:"redirect"`
	Cache    CacheConfig    `yaml:"cache"`
	Graph    GraphConfig    `yaml:"graph"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// RedirectConfig describes the redirect URI registered with the identity provider
// and how the redirect is intercepted.
type RedirectConfig struct {
	// Mode is "scheme" (intercept navigation inside the surface) or "loopback".
	Mode string `yaml:"mode"`

	// Scheme and Host form the custom-scheme redirect URI, e.g. msal://redirect.
	Scheme string `yaml:"scheme"`
	Host   string `yaml:"host"`

	// Port and Path configure the loopback listener. Port 0 picks an ephemeral port.
	Port int    `yaml:"port"`
	Path string `yaml:"path"`

	// Timeout bounds the wait for the redirect.
	Timeout time.Duration `yaml:"timeout"`
}

// URI returns the custom-scheme redirect URI. Loopback redirect URIs are only
// known once the listener is bound.
func (r RedirectConfig) URI() string {
	return r.Scheme + "://" + r.Host
}

// CacheConfig describes the persistent token cache.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`

	KeyringService string `yaml:"keyringService"`
	KeyringUser    string `yaml:"keyringUser"`
}

// GraphConfig points at the downstream API the tokens are for.
type GraphConfig struct {
	BaseURL string `yaml:"baseUrl"`
}
