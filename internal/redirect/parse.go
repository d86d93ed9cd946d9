package redirect

import (
	"net/url"
)

// ParseCode extracts the authorization code and state from a captured
// redirect URL. A redirect carrying error= yields a *ProviderError; one with
// no code yields a *RedirectParseError.
func ParseCode(rawURL string) (code, state string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", &RedirectParseError{URL: rawURL, Reason: "unparsable URL"}
	}

	query := u.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		return "", "", &ProviderError{
			Code:        providerErr,
			Description: query.Get("error_description"),
		}
	}

	code = query.Get("code")
	if code == "" {
		return "", "", &RedirectParseError{URL: rawURL, Reason: "missing code parameter"}
	}
	return code, query.Get("state"), nil
}
