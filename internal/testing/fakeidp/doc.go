// Package fakeidp provides an in-process OpenID provider for tests.
//
// The server publishes a discovery document under
// <url>/<tenant>/v2.0/.well-known/openid-configuration, auto-approves
// authorization requests by redirecting to the redirect_uri with a code, and
// redeems authorization_code and refresh_token grants with PKCE checks.
// Issued id_tokens carry oid, tid, preferred_username and name claims.
//
//	idp := fakeidp.New(fakeidp.Config{ClientID: "app"})
//	defer idp.Close()
//	client, _ := publicclient.New(publicclient.Config{ClientID: "app", Authority: idp.Issuer()})
//
// Failures are injected with SimulateErrors.
package fakeidp
