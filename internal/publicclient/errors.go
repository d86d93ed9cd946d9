package publicclient

import (
	"errors"
	"fmt"
)

// ErrInteractionRequired means no token can be obtained without the user.
// Every *SilentAcquisitionError matches it with errors.Is.
var ErrInteractionRequired = errors.New("interaction required")

// SilentAcquisitionError is returned when the silent flow cannot produce a
// token: no account, nothing cached, or the refresh grant was rejected.
type SilentAcquisitionError struct {
	Reason string
	Err    error
}

func (e *SilentAcquisitionError) Error() string {
	if e.Err == nil || e.Err == ErrInteractionRequired {
		return fmt.Sprintf("silent token acquisition failed: %s", e.Reason)
	}
	return fmt.Sprintf("silent token acquisition failed: %s: %v", e.Reason, e.Err)
}

func (e *SilentAcquisitionError) Unwrap() error { return e.Err }

// Is makes every silent failure an interaction-required condition.
func (e *SilentAcquisitionError) Is(target error) bool {
	return target == ErrInteractionRequired
}

func silentFailure(reason string, err error) *SilentAcquisitionError {
	if err == nil {
		err = ErrInteractionRequired
	}
	return &SilentAcquisitionError{Reason: reason, Err: err}
}
