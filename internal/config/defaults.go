package config

import (
	"path/filepath"
	"time"
)

const (
	// DefaultClientID is the public client registered for the desktop sample.
	DefaultClientID = "89e61572-2f96-47ba-b571-9d8c8f96b69d"

	// DefaultAuthority is the tenant-scoped v2.0 issuer.
	DefaultAuthority = "https://login.microsoftonline.com/5d97b14d-c396-4aee-b524-c86d33e9b660/v2.0"

	DefaultRedirectScheme  = "msal"
	DefaultRedirectHost    = "redirect"
	DefaultLoopbackPath    = "/redirect"
	DefaultRedirectTimeout = 5 * time.Minute

	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

	DefaultKeyringService = "deskauth"
	DefaultKeyringUser    = "token-cache"

	cacheFileName = "msal-cache.json"
)

// PurposeProfile and PurposeMail are the token purposes configured out of the box.
const (
	PurposeProfile = "profile"
	PurposeMail    = "mail"
)

// GetDefaultConfig returns the configuration used when no config.yaml exists.
// configDir is the directory the cache file defaults into.
func GetDefaultConfig(configDir string) Config {
	return Config{
		ClientID:  DefaultClientID,
		Authority: DefaultAuthority,
		Scopes:    []string{"openid", "profile", "User.Read"},
		Purposes: map[string][]string{
			PurposeProfile: {"User.Read"},
			PurposeMail:    {"Mail.Read"},
		},
		Redirect: RedirectConfig{
			Mode:    RedirectModeScheme,
			Scheme:  DefaultRedirectScheme,
			Host:    DefaultRedirectHost,
			Path:    DefaultLoopbackPath,
			Timeout: DefaultRedirectTimeout,
		},
		Cache: CacheConfig{
			Backend:        CacheBackendFile,
			Path:           filepath.Join(configDir, cacheFileName),
			KeyringService: DefaultKeyringService,
			KeyringUser:    DefaultKeyringUser,
		},
		Graph: GraphConfig{
			BaseURL: DefaultGraphBaseURL,
		},
		LogLevel: "info",
	}
}
