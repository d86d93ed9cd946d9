package surface

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/giantswarm/deskauth/pkg/logging"
)

// browserCommand builds the command that opens url. It is a variable so tests
// can replace it.
var browserCommand = func(goos, url string) (*exec.Cmd, error) {
	switch goos {
	case "linux":
		return exec.Command("xdg-open", url), nil
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}

// OpenBrowser opens the specified URL in the default web browser.
// It supports Linux, macOS, and Windows.
func OpenBrowser(url string) error {
	cmd, err := browserCommand(runtime.GOOS, url)
	if err != nil {
		return err
	}

	// The browser keeps running after we return.
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// SystemBrowser hands URLs to the operating system's browser. The browser is
// out of process, so it never reports navigation intents and never closes:
// only a loopback listener can capture redirects from it.
type SystemBrowser struct {
	// OnOpen, when set, is called with every URL before the browser opens,
	// so a CLI can print the URL as a fallback. With OnOpen set a browser
	// that fails to launch is logged, not returned: the user can still open
	// the printed URL by hand.
	OnOpen func(url string)
}

// LoadURL opens url in the system browser.
func (b *SystemBrowser) LoadURL(_ context.Context, url string) error {
	if b.OnOpen == nil {
		return OpenBrowser(url)
	}

	b.OnOpen(url)
	if err := OpenBrowser(url); err != nil {
		logging.Warn("Surface", "Could not open a browser, open the URL manually: %v", err)
	}
	return nil
}

// OnWillNavigate registers nothing; the system browser emits no events.
func (b *SystemBrowser) OnWillNavigate(NavigationHandler) func() {
	return func() {}
}

// Closed returns nil: a system browser never signals closure.
func (b *SystemBrowser) Closed() <-chan struct{} {
	return nil
}

var _ Surface = (*SystemBrowser)(nil)
