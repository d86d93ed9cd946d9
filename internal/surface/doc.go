// Package surface defines the navigable surface the sign-in page is shown in,
// and two adapters for it.
//
// A Surface loads a URL and, before each navigation, offers the target URL to
// registered handlers; a handler that returns true stops the navigation. The
// custom-scheme redirect listener relies on this to capture msal://redirect
// style redirects that no network stack could load.
//
// HTTPSurface drives an http.Client and reports the initial URL plus each
// redirect target. SystemBrowser opens the operating system browser and
// reports nothing, so it pairs with the loopback listener.
package surface
