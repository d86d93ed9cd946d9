// Package redirect captures the authorization redirect that ends an
// interactive sign-in.
//
// Two listeners implement the same Listener contract:
//
//   - SchemeListener watches a navigable surface for navigations to a custom
//     scheme (msal://redirect) and cancels them, handing back the URL.
//   - LoopbackListener runs a one-shot HTTP server on 127.0.0.1 for flows in
//     an external browser.
//
// Both are armed with Start before the sign-in page loads, deliver exactly one
// redirect from Wait, and are released with Close. ParseCode turns the
// captured URL into an authorization code and state.
package redirect
