package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/identity"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
)

type Engine interface {
	// Run resolves the server, builds desired state, fetches actual state
	// and reconciles. The error is non-nil only for fatal failures that
	// happen before a plan exists.
	Run(ctx context.Context, id identity.Source, req Request) (Outcome, error)
	Reconcile(ctx context.Context, desired DesiredState, actual ActualState, dryRun bool) Outcome
	Apply(ctx context.Context, plan Plan, dryRun bool) Outcome
}

// Request is the validated input of a single failover run.
type Request struct {
	FloatingIPLabels map[string]string
	AliasAddresses   []string
	DryRun           bool
}

type engine struct {
	client  provider.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewEngine(client provider.Client, logger *slog.Logger, metrics *metrics.Metrics) Engine {
	return &engine{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

func (e *engine) Run(ctx context.Context, id identity.Source, req Request) (Outcome, error) {
	serverID, err := id.ServerID(ctx)
	if err != nil {
		if !errors.Is(err, ErrIdentityUnresolved) {
			err = fmt.Errorf("%w: %w", ErrIdentityUnresolved, err)
		}
		return Outcome{DryRun: req.DryRun}, err
	}
	e.logger.Info("Resolved server identity", "server_id", serverID)

	desired, err := BuildDesired(serverID, req.FloatingIPLabels, req.AliasAddresses)
	if err != nil {
		return Outcome{DryRun: req.DryRun}, err
	}

	actual, err := FetchActual(ctx, e.client, desired, e.logger)
	if err != nil {
		return Outcome{DryRun: req.DryRun}, err
	}
	e.recordState(desired, actual)

	return e.Reconcile(ctx, desired, actual, req.DryRun), nil
}

func (e *engine) Reconcile(ctx context.Context, desired DesiredState, actual ActualState, dryRun bool) Outcome {
	plan := Diff(desired, actual)
	if plan.IsEmpty() {
		e.logger.Info("No changes needed, floating IPs and alias IPs already converged", "server_id", desired.ServerID)
	} else {
		e.logger.Info("Computed plan", "server_id", desired.ServerID, "actions", len(plan), "dry_run", dryRun)
	}
	outcome := e.Apply(ctx, plan, dryRun)
	outcome.Desired = desired
	outcome.Actual = actual
	return outcome
}

// Diff computes the actions that bring actual to desired. A floating IP that
// is unassigned, or assigned anywhere but desired.ServerID, is reassigned.
// Alias addresses are compared as sets and replaced as a whole.
func Diff(desired DesiredState, actual ActualState) Plan {
	plan := Plan{}

	for _, fip := range actual.FloatingIPs {
		if fip.AssignedTo(desired.ServerID) {
			continue
		}
		plan = append(plan, AssignFloatingIP{
			FloatingIPID: fip.ID,
			Address:      fip.Address,
			ServerID:     desired.ServerID,
		})
	}

	want := desired.AliasAddresses
	if want == nil {
		want = sets.New[string]()
	}
	have := actual.AliasAddresses
	if have == nil {
		have = sets.New[string]()
	}
	if !want.Equal(have) {
		plan = append(plan, SetAliasAddresses{
			ServerID:  desired.ServerID,
			Addresses: sets.List(want),
		})
	}
	return plan
}

func (e *engine) Apply(ctx context.Context, plan Plan, dryRun bool) Outcome {
	outcome := Outcome{
		Planned: plan,
		Applied: make([]Result, 0, len(plan)),
		DryRun:  dryRun,
	}

	if dryRun {
		for _, action := range plan {
			e.logger.Info("Dry run mode - would apply action", "action", action.String())
			e.metrics.IncAction(action.Kind(), true, true)
			outcome.Applied = append(outcome.Applied, Result{Action: action})
		}
		return outcome
	}

	for i, action := range plan {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("Stopping before remaining actions", "remaining", len(plan)-i, "error", err)
			for _, skipped := range plan[i:] {
				outcome.Applied = append(outcome.Applied, Result{
					Action: skipped,
					Err:    &ActionError{Action: skipped, Err: err},
				})
				e.metrics.IncAction(skipped.Kind(), false, false)
			}
			break
		}

		e.logger.Debug("Start execute action from plan", "action", action.String())
		result := Result{Action: action}
		if err := e.execute(ctx, action); err != nil {
			e.logger.Error("Failed to apply action", "action", action.String(), "error", err)
			result.Err = &ActionError{Action: action, Err: err}
		} else {
			e.logger.Info("Applied action", "action", action.String())
		}
		e.metrics.IncAction(action.Kind(), result.Succeeded(), false)
		outcome.Applied = append(outcome.Applied, result)
	}

	if failures := outcome.Failures(); len(failures) > 0 {
		e.logger.Warn("Plan applied with failures", "failures", len(failures), "actions", len(plan))
	}
	return outcome
}

func (e *engine) execute(ctx context.Context, action Action) error {
	switch a := action.(type) {
	case AssignFloatingIP:
		return e.client.AssignFloatingIP(ctx, a.FloatingIPID, a.ServerID)
	case SetAliasAddresses:
		return e.client.SetAliasAddresses(ctx, a.ServerID, a.Addresses)
	default:
		return fmt.Errorf("unknown action %T", action)
	}
}

func (e *engine) recordState(desired DesiredState, actual ActualState) {
	assigned := 0
	for _, fip := range actual.FloatingIPs {
		if fip.AssignedTo(desired.ServerID) {
			assigned++
			e.logger.Info("Floating IP already assigned to this server", "ip", fip.Address, "id", fip.ID)
			continue
		}
		if fip.ServerID == nil {
			e.logger.Info("Floating IP unassigned, needs assignment", "ip", fip.Address, "id", fip.ID)
		} else {
			e.logger.Info("Floating IP assigned elsewhere, needs reassignment", "ip", fip.Address, "id", fip.ID, "current_server_id", *fip.ServerID)
		}
	}
	e.metrics.SetFloatingIPs(len(actual.FloatingIPs), assigned)
}
