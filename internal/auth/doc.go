// Package auth decides how a desktop application gets its access tokens.
//
// The Orchestrator keeps the signed-in account in memory, tries the token
// cache first and falls back to an interactive sign-in on a navigable
// surface. Each interactive attempt gets its own redirect listener, started
// before the sign-in page loads and closed whatever the outcome:
//
//	orch, err := auth.New(auth.Config{
//		Client:    client,
//		Listeners: listenerFactory,
//		Purposes:  map[string][]string{"profile": {"User.Read"}},
//	})
//	token, err := orch.GetToken(ctx, "profile", surface)
//
// Only one interactive sign-in runs at a time per Orchestrator.
package auth
