package redirect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/deskauth/internal/surface"
)

// Listener captures the single redirect that ends an interactive sign-in.
//
// Start arms the listener and must be called before the sign-in page is
// loaded. Wait blocks until the redirect arrives and returns its full URL.
// Close releases everything the listener holds and is safe to call more than
// once, including after the redirect was delivered.
type Listener interface {
	// Host is the custom scheme name or the loopback host.
	Host() string
	// RedirectURI is the redirect_uri to send in the authorization request.
	// For loopback listeners it is only complete after Start.
	RedirectURI() string
	Start(ctx context.Context) error
	Wait(ctx context.Context) (string, error)
	Close() error
}

// NavigationSource is the part of a surface the scheme listener needs.
type NavigationSource interface {
	OnWillNavigate(handler surface.NavigationHandler) (unsubscribe func())
	Closed() <-chan struct{}
}

// Listener modes.
const (
	ModeScheme   = "scheme"
	ModeLoopback = "loopback"
)

// Options configures New.
type Options struct {
	Mode   string
	Scheme string
	Host   string
	Port   int
	Path   string
	// Source is required for ModeScheme.
	Source NavigationSource
}

// New builds an unstarted listener for the given mode.
func New(opts Options) (Listener, error) {
	switch opts.Mode {
	case ModeScheme, "":
		if opts.Source == nil {
			return nil, errors.New("scheme redirect listener needs a navigable surface")
		}
		return NewSchemeListener(opts.Scheme, opts.Host, opts.Source), nil
	case ModeLoopback:
		return NewLoopbackListener(opts.Port, opts.Path), nil
	default:
		return nil, fmt.Errorf("unknown redirect mode %q", opts.Mode)
	}
}

// await is the shared Wait loop. A delivered redirect always wins over
// closure so a listener that closed itself after capturing still returns it.
func await(ctx context.Context, host string, startedAt time.Time, results <-chan string, errs <-chan error, surfaceClosed, done <-chan struct{}) (string, error) {
	select {
	case u := <-results:
		return u, nil
	default:
	}

	select {
	case u := <-results:
		return u, nil
	case err := <-errs:
		return "", err
	case <-surfaceClosed:
		return "", ErrSurfaceClosed
	case <-done:
		select {
		case u := <-results:
			return u, nil
		default:
			return "", ErrListenerClosed
		}
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, ErrSurfaceClosed) {
			return "", ErrSurfaceClosed
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{Host: host, After: time.Since(startedAt)}
		}
		return "", ctx.Err()
	}
}
