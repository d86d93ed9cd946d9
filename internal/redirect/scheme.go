package redirect

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/deskauth/pkg/logging"
)

// SchemeListener captures redirects to a custom URI scheme such as
// msal://redirect by watching navigation intents on a surface. Matching
// navigations are always cancelled; only the first is delivered.
type SchemeListener struct {
	scheme string
	host   string
	source NavigationSource

	mu          sync.Mutex
	started     bool
	startedAt   time.Time
	unsubscribe func()

	resultCh    chan string
	deliverOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSchemeListener creates a listener for scheme://host redirects on source.
func NewSchemeListener(scheme, host string, source NavigationSource) *SchemeListener {
	return &SchemeListener{
		scheme:   strings.ToLower(scheme),
		host:     host,
		source:   source,
		resultCh: make(chan string, 1),
		done:     make(chan struct{}),
	}
}

// Host returns the scheme name.
func (l *SchemeListener) Host() string { return l.scheme }

// RedirectURI returns scheme://host.
func (l *SchemeListener) RedirectURI() string { return l.scheme + "://" + l.host }

// Start subscribes to the surface's navigation intents. The subscription is
// dropped when ctx ends or Close is called.
func (l *SchemeListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}
	select {
	case <-l.done:
		return ErrListenerClosed
	default:
	}

	l.started = true
	l.startedAt = time.Now()
	l.unsubscribe = l.source.OnWillNavigate(l.onWillNavigate)

	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()

	logging.Debug("Redirect", "Listening for %s redirects", l.RedirectURI())
	return nil
}

func (l *SchemeListener) onWillNavigate(url string) bool {
	if !l.matches(url) {
		return false
	}
	l.deliverOnce.Do(func() {
		logging.Debug("Redirect", "Captured %s redirect", l.scheme)
		l.resultCh <- url
	})
	return true
}

func (l *SchemeListener) matches(url string) bool {
	prefix := l.scheme + "://"
	return len(url) >= len(prefix) && strings.EqualFold(url[:len(prefix)], prefix)
}

// Wait blocks until a redirect is captured, the surface closes, ctx ends or
// the listener is closed.
func (l *SchemeListener) Wait(ctx context.Context) (string, error) {
	l.mu.Lock()
	startedAt := l.startedAt
	l.mu.Unlock()

	return await(ctx, l.Host(), startedAt, l.resultCh, nil, l.source.Closed(), l.done)
}

// Close unsubscribes from the surface.
func (l *SchemeListener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		unsubscribe := l.unsubscribe
		l.unsubscribe = nil
		l.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		close(l.done)
	})
	return nil
}

var _ Listener = (*SchemeListener)(nil)
