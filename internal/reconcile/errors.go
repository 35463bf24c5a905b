package reconcile

import (
	"errors"
	"fmt"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/identity"
)

// Fatal errors. Any of these aborts the run before a plan exists, so no
// provider resource is touched.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrIdentityUnresolved   = identity.ErrUnresolved
)

// ActionError is a failure of a single action. It does not stop the
// remaining actions of the plan.
type ActionError struct {
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
