package redirect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrSurfaceClosed is returned when the navigable surface goes away before a
// redirect was captured.
var ErrSurfaceClosed = errors.New("sign-in window closed before the redirect was received")

// ErrListenerClosed is returned by Wait when Close was called first.
var ErrListenerClosed = errors.New("redirect listener closed")

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("redirect listener already started")

// RedirectParseError is returned when a captured redirect carries no usable
// authorization code.
type RedirectParseError struct {
	URL    string
	Reason string
}

func (e *RedirectParseError) Error() string {
	return fmt.Sprintf("invalid redirect %s: %s", stripQuery(e.URL), e.Reason)
}

// ProviderError is an OAuth error returned on the redirect itself, e.g.
// error=access_denied when the user cancels consent.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization failed: %s", e.Code)
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}

// TimeoutError is returned when no redirect arrived in time.
type TimeoutError struct {
	Host  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for redirect on %s", e.After.Round(time.Second), e.Host)
}

// Timeout reports true so callers can check for net.Error style timeouts.
func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// stripQuery drops the query and fragment so codes never end up in messages.
func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparsable url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
