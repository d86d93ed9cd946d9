package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// NavigationHandler observes a navigation intent before it happens.
// Returning true intercepts the navigation: the surface does not load the URL.
type NavigationHandler func(url string) bool

// Surface is a navigable surface: something that can load a URL and reports
// where it is about to navigate. Closed is closed when the surface goes away;
// surfaces that can not be closed return a nil channel.
type Surface interface {
	LoadURL(ctx context.Context, url string) error
	OnWillNavigate(handler NavigationHandler) (unsubscribe func())
	Closed() <-chan struct{}
}

// maxRedirects mirrors net/http's default redirect limit.
const maxRedirects = 10

var errNavigationIntercepted = errors.New("navigation intercepted")

// HTTPSurface is a headless surface that loads URLs with an HTTP client and
// follows redirects, emitting a navigation intent for the initial URL and for
// every redirect target. It is what the custom-scheme listener runs against
// when no embedded browser is available, e.g. in CI or against a provider
// that completes sign-in without user interaction.
type HTTPSurface struct {
	client *http.Client

	mu       sync.Mutex
	handlers map[int]NavigationHandler
	order    []int
	nextID   int

	closed    chan struct{}
	closeOnce sync.Once
}

// NewHTTPSurface creates a surface using the given client. A nil client gets
// a client with a 30 second timeout and its own cookie-less transport state.
func NewHTTPSurface(client *http.Client) *HTTPSurface {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSurface{
		client:   client,
		handlers: make(map[int]NavigationHandler),
		closed:   make(chan struct{}),
	}
}

// OnWillNavigate registers a handler. Handlers run in registration order and
// the first one returning true wins.
func (s *HTTPSurface) OnWillNavigate(handler NavigationHandler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// HandlerCount reports how many navigation handlers are registered.
func (s *HTTPSurface) HandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *HTTPSurface) emit(url string) bool {
	s.mu.Lock()
	handlers := make([]NavigationHandler, 0, len(s.order))
	for _, id := range s.order {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if h(url) {
			return true
		}
	}
	return false
}

// LoadURL navigates to url. Navigation stops without error when a handler
// intercepts the initial URL or any redirect target.
func (s *HTTPSurface) LoadURL(ctx context.Context, url string) error {
	select {
	case <-s.closed:
		return errors.New("surface is closed")
	default:
	}

	if s.emit(url) {
		return nil
	}

	client := *s.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if s.emit(req.URL.String()) {
			return errNavigationIntercepted
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create navigation request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, errNavigationIntercepted) {
			return nil
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("navigation failed with status %d", resp.StatusCode)
	}
	return nil
}

// Closed is closed once Close has been called.
func (s *HTTPSurface) Closed() <-chan struct{} {
	return s.closed
}

// Close closes the surface. It is safe to call more than once.
func (s *HTTPSurface) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

var _ Surface = (*HTTPSurface)(nil)
