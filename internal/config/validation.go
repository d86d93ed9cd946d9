package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/giantswarm/deskauth/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// Validate checks the configuration for missing or inconsistent values.
func (c Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.ClientID) == "" {
		errs.Add("clientId", "is required")
	}

	explicitEndpoints := c.AuthURL != "" && c.TokenURL != ""
	if c.Authority == "" && !explicitEndpoints {
		errs.Add("authority", "is required unless authUrl and tokenUrl are both set")
	} else if c.Authority != "" {
		if u, err := url.Parse(c.Authority); err != nil || u.Scheme == "" || u.Host == "" {
			errs.Add("authority", "must be an absolute URL", c.Authority)
		}
	}
	if (c.AuthURL == "") != (c.TokenURL == "") {
		errs.Add("authUrl", "authUrl and tokenUrl must be set together")
	}

	switch c.Redirect.Mode {
	case RedirectModeScheme:
		if c.Redirect.Scheme == "" {
			errs.Add("redirect.scheme", "is required in scheme mode")
		}
		if strings.ContainsAny(c.Redirect.Scheme, ":/") {
			errs.Add("redirect.scheme", "must be a bare scheme name", c.Redirect.Scheme)
		}
	case RedirectModeLoopback:
		if c.Redirect.Port < 0 || c.Redirect.Port > 65535 {
			errs.Add("redirect.port", "must be between 0 and 65535", c.Redirect.Port)
		}
		if !strings.HasPrefix(c.Redirect.Path, "/") {
			errs.Add("redirect.path", "must start with /", c.Redirect.Path)
		}
	default:
		errs.Add("redirect.mode", fmt.Sprintf("must be %q or %q", RedirectModeScheme, RedirectModeLoopback), c.Redirect.Mode)
	}
	if c.Redirect.Timeout < 0 {
		errs.Add("redirect.timeout", "must not be negative", c.Redirect.Timeout)
	}

	switch c.Cache.Backend {
	case CacheBackendFile:
		if c.Cache.Path == "" {
			errs.Add("cache.path", "is required for the file backend")
		}
	case CacheBackendKeyring:
		if c.Cache.KeyringService == "" || c.Cache.KeyringUser == "" {
			errs.Add("cache.keyringService", "keyringService and keyringUser are required for the keyring backend")
		}
	default:
		errs.Add("cache.backend", fmt.Sprintf("must be %q or %q", CacheBackendFile, CacheBackendKeyring), c.Cache.Backend)
	}

	for purpose, scopes := range c.Purposes {
		if len(scopes) == 0 {
			errs.Add("purposes."+purpose, "must list at least one scope")
		}
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs.Add("logLevel", err.Error(), c.LogLevel)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// PurposeScopes returns the scopes configured for a token purpose.
func (c Config) PurposeScopes(purpose string) ([]string, bool) {
	scopes, ok := c.Purposes[purpose]
	return scopes, ok
}
