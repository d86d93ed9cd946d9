package auth

import (
	"context"
	"errors"

	"github.com/giantswarm/deskauth/internal/publicclient"
	"github.com/giantswarm/deskauth/pkg/logging"
)

// AccountSelector picks the account to use when the cache holds more than
// one. It is only called with two or more accounts.
type AccountSelector func(ctx context.Context, accounts []publicclient.Account) (publicclient.Account, error)

// FirstAccount selects the first cached account and logs that others were
// ignored.
func FirstAccount(_ context.Context, accounts []publicclient.Account) (publicclient.Account, error) {
	if len(accounts) == 0 {
		return publicclient.Account{}, errors.New("no accounts to select from")
	}
	logging.Warn("Auth", "Multiple accounts detected (%d), using %s. Sign out of the others to remove this notice",
		len(accounts), accounts[0])
	return accounts[0], nil
}
