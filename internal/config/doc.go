// Package config loads the deskauth configuration.
//
// Configuration is read from ~/.config/deskauth/config.yaml (or the directory
// given with --config-path) on top of built-in defaults, then DESKAUTH_*
// environment variables override individual values:
//
//	clientId: 89e61572-2f96-47ba-b571-9d8c8f96b69d
//	authority: https://login.microsoftonline.com/<tenant>/v2.0
//	scopes: [openid, profile, User.Read]
//	purposes:
//	  profile: [User.Read]
//	  mail: [Mail.Read]
//	redirect:
//	  mode: scheme        # or loopback
//	  scheme: msal
//	  host: redirect
//	  timeout: 5m
//	cache:
//	  backend: file       # or keyring
//	  path: ~/.config/deskauth/msal-cache.json
//
// The redirect URI must match the one registered for the client ID exactly.
package config
