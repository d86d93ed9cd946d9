package publicclient

import "time"

// AuthorizationURLRequest describes the sign-in page to navigate to.
type AuthorizationURLRequest struct {
	Scopes      []string
	RedirectURI string
	State       string
	// CodeVerifier, when set, adds an S256 PKCE challenge.
	CodeVerifier string
	LoginHint    string
	Prompt       string
	ExtraParams  map[string]string
}

// AuthorizationCodeRequest redeems the code captured from the redirect.
// RedirectURI must be the one used in the authorization request.
type AuthorizationCodeRequest struct {
	Scopes       []string
	RedirectURI  string
	Code         string
	CodeVerifier string
}

// SilentFlowRequest asks for a token without user interaction.
type SilentFlowRequest struct {
	Scopes       []string
	Account      Account
	ForceRefresh bool
}

// AuthenticationResult is the outcome of a successful acquisition.
type AuthenticationResult struct {
	AccessToken   string
	IDToken       string
	Account       Account
	Scopes        []string
	ExpiresOn     time.Time
	TokenType     string
	CorrelationID string
	// FromCache is true when no network call was made.
	FromCache bool
}
