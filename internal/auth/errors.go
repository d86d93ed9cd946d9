package auth

import (
	"errors"
	"fmt"
)

// ErrUnknownPurpose is returned by GetToken for a purpose with no
// configured scopes.
var ErrUnknownPurpose = errors.New("unknown token purpose")

// ErrNoSurface is returned when interactive sign-in is needed but no
// navigable surface was given.
var ErrNoSurface = errors.New("interactive sign-in needs a navigable surface")

// TokenAcquisitionError is returned when neither the silent nor the
// interactive path produced a token. Err is the interactive failure: a
// redirect, provider or timeout error, or the failed code exchange.
type TokenAcquisitionError struct {
	Purpose string
	Err     error
}

func (e *TokenAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire token for %s: %v", e.Purpose, e.Err)
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }
