package reconcile

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
)

// DesiredState is what this server should own after a MASTER transition.
type DesiredState struct {
	ServerID         int64
	FloatingIPLabels map[string]string
	AliasAddresses   sets.Set[string]
}

// ActualState is the provider's view, fetched once per run.
type ActualState struct {
	FloatingIPs    []provider.FloatingIP
	AliasAddresses sets.Set[string]
}

// Action is a single corrective provider call. Actions carry no behavior;
// the engine executes them.
type Action interface {
	Kind() string
	fmt.Stringer
	isAction()
}

type AssignFloatingIP struct {
	FloatingIPID int64
	Address      string
	ServerID     int64
}

func (AssignFloatingIP) Kind() string { return "assign_floating_ip" }
func (AssignFloatingIP) isAction()    {}

func (a AssignFloatingIP) String() string {
	return fmt.Sprintf("assign floating IP %s (ID: %d) to server %d", a.Address, a.FloatingIPID, a.ServerID)
}

// SetAliasAddresses replaces the full alias address set of a server.
// Addresses are kept sorted.
type SetAliasAddresses struct {
	ServerID  int64
	Addresses []string
}

func (SetAliasAddresses) Kind() string { return "set_alias_addresses" }
func (SetAliasAddresses) isAction()    {}

func (a SetAliasAddresses) String() string {
	if len(a.Addresses) == 0 {
		return fmt.Sprintf("clear alias IPs on server %d", a.ServerID)
	}
	return fmt.Sprintf("set alias IPs on server %d to %s", a.ServerID, strings.Join(a.Addresses, ", "))
}

// Plan is the ordered list of actions: floating IP assignments in fetch
// order, then at most one alias update.
type Plan []Action

func (p Plan) IsEmpty() bool {
	return len(p) == 0
}

// Result records the execution of one action. Err is nil on success.
type Result struct {
	Action Action
	Err    error
}

func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Outcome is the result of one run. Desired and Actual are the states the
// plan was computed from; they are zero when Apply is called directly.
type Outcome struct {
	Desired DesiredState
	Actual  ActualState
	Planned Plan
	Applied []Result
	DryRun  bool
}

// Success is true iff every applied action succeeded.
func (o Outcome) Success() bool {
	for _, r := range o.Applied {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

func (o Outcome) Failures() []Result {
	var failed []Result
	for _, r := range o.Applied {
		if !r.Succeeded() {
			failed = append(failed, r)
		}
	}
	return failed
}
