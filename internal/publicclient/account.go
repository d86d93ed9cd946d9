package publicclient

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Account identifies a signed-in user. It is a value: callers replace it
// wholesale and the zero value means "no account".
type Account struct {
	HomeAccountID  string `json:"homeAccountId"`
	Environment    string `json:"environment"`
	TenantID       string `json:"tenantId"`
	LocalAccountID string `json:"localAccountId"`
	Username       string `json:"username"`
	Name           string `json:"name,omitempty"`
}

// IsZero reports whether a is the empty account.
func (a Account) IsZero() bool {
	return a.HomeAccountID == ""
}

// String returns the username, or the home account ID when there is none.
func (a Account) String() string {
	if a.Username != "" {
		return a.Username
	}
	return a.HomeAccountID
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
}

// accountFromIDToken builds an Account from id_token claims. The token is
// not verified; it came straight from the token endpoint over TLS.
func accountFromIDToken(raw, environment string) (Account, error) {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Account{}, fmt.Errorf("failed to parse id_token: %w", err)
	}

	local := claims.ObjectID
	if local == "" {
		local = claims.Subject
	}
	if local == "" {
		return Account{}, fmt.Errorf("id_token has neither oid nor sub claim")
	}

	home := local
	if claims.TenantID != "" {
		home = local + "." + claims.TenantID
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}

	return Account{
		HomeAccountID:  home,
		Environment:    environment,
		TenantID:       claims.TenantID,
		LocalAccountID: local,
		Username:       username,
		Name:           claims.Name,
	}, nil
}
