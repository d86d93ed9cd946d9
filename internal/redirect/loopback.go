package redirect

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/giantswarm/deskauth/pkg/logging"
)

// LoopbackHost is the address loopback listeners bind to.
const LoopbackHost = "127.0.0.1"

// DefaultLoopbackPath is used when no path is configured.
const DefaultLoopbackPath = "/redirect"

//go:embed templates/redirect_success.html
var redirectSuccessHTML string

//go:embed templates/redirect_error.html
var redirectErrorHTML string

var (
	successTemplate = template.Must(template.New("success").Funcs(sprig.FuncMap()).Parse(redirectSuccessHTML))
	errorTemplate   = template.Must(template.New("error").Funcs(sprig.FuncMap()).Parse(redirectErrorHTML))
)

// LoopbackListener is a temporary HTTP server on 127.0.0.1 that receives the
// redirect from an external browser. It serves a single redirect, answers
// with a short confirmation page and then shuts itself down.
type LoopbackListener struct {
	port int
	path string

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	redirectURI string
	startedAt   time.Time

	resultCh  chan string
	errorCh   chan error
	once      sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoopbackListener creates a listener for http://127.0.0.1:port/path.
// Port 0 picks a free port at Start.
func NewLoopbackListener(port int, path string) *LoopbackListener {
	if path == "" {
		path = DefaultLoopbackPath
	}
	return &LoopbackListener{
		port:     port,
		path:     path,
		resultCh: make(chan string, 1),
		errorCh:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Host returns the loopback address.
func (l *LoopbackListener) Host() string { return LoopbackHost }

// RedirectURI returns the redirect URI, including the bound port once started.
func (l *LoopbackListener) RedirectURI() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.redirectURI != "" {
		return l.redirectURI
	}
	return fmt.Sprintf("http://%s:%d%s", LoopbackHost, l.port, l.path)
}

// Port returns the port the listener is bound to.
func (l *LoopbackListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Start binds the port and starts serving. The server stops when ctx ends.
func (l *LoopbackListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return ErrAlreadyStarted
	}
	select {
	case <-l.done:
		return ErrListenerClosed
	default:
	}

	addr := fmt.Sprintf("%s:%d", LoopbackHost, l.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start redirect listener on %s: %w", addr, err)
	}

	l.listener = listener
	l.port = listener.Addr().(*net.TCPAddr).Port
	l.redirectURI = fmt.Sprintf("http://%s:%d%s", LoopbackHost, l.port, l.path)
	l.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleRedirect)

	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := l.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case l.errorCh <- fmt.Errorf("redirect listener failed: %w", err):
			default:
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()

	logging.Debug("Redirect", "Loopback listener ready at %s", l.redirectURI)
	return nil
}

// Wait blocks until the redirect arrives, ctx ends or the listener is closed.
func (l *LoopbackListener) Wait(ctx context.Context) (string, error) {
	l.mu.Lock()
	startedAt := l.startedAt
	l.mu.Unlock()

	return await(ctx, l.Host(), startedAt, l.resultCh, l.errorCh, nil, l.done)
}

func (l *LoopbackListener) handleRedirect(w http.ResponseWriter, r *http.Request) {
	handled := false
	l.once.Do(func() {
		handled = true
		l.processRedirect(w, r)
	})

	if !handled {
		http.Error(w, "Redirect already processed", http.StatusBadRequest)
	}
}

func (l *LoopbackListener) processRedirect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	tmpl := successTemplate
	data := map[string]string{}
	if providerErr := query.Get("error"); providerErr != "" {
		tmpl = errorTemplate
		data["Error"] = providerErr
		data["Description"] = query.Get("error_description")
	} else if query.Get("code") == "" {
		tmpl = errorTemplate
		data["Error"] = "missing_code"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	full := l.RedirectURI()
	if r.URL.RawQuery != "" {
		full += "?" + r.URL.RawQuery
	}

	select {
	case l.resultCh <- full:
	default:
	}

	// Shutdown is graceful, so this response still completes.
	go func() { _ = l.Close() }()
}

// Close shuts the server down and releases the port.
func (l *LoopbackListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)

		l.mu.Lock()
		server, listener := l.server, l.listener
		l.mu.Unlock()

		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}
		if listener != nil {
			_ = listener.Close()
		}
	})
	return nil
}

var _ Listener = (*LoopbackListener)(nil)
