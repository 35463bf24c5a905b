package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
)

// FetchActual reads the floating IPs matching the desired selector and the
// alias addresses currently on the desired server. It never mutates.
func FetchActual(ctx context.Context, client provider.Client, desired DesiredState, logger *slog.Logger) (ActualState, error) {
	actual := ActualState{AliasAddresses: sets.New[string]()}

	if len(desired.FloatingIPLabels) == 0 {
		logger.Warn("No floating_ip_labels configured, skipping floating IPs")
	} else {
		logger.Info("Fetching floating IPs", "labels", desired.FloatingIPLabels)
		records, err := client.ListFloatingIPs(ctx, desired.FloatingIPLabels)
		if err != nil {
			return ActualState{}, fmt.Errorf("%w: list floating IPs: %w", ErrProviderUnavailable, err)
		}
		for _, r := range records {
			if !r.MatchesLabels(desired.FloatingIPLabels) {
				logger.Debug("Ignoring floating IP not matching labels", "id", r.ID, "ip", r.Address, "labels", r.Labels)
				continue
			}
			actual.FloatingIPs = append(actual.FloatingIPs, r)
		}
		if len(actual.FloatingIPs) == 0 {
			logger.Warn("No floating IPs found", "labels", desired.FloatingIPLabels)
		} else {
			logger.Info("Found floating IPs matching labels", "count", len(actual.FloatingIPs))
		}
	}

	current, err := client.GetAliasAddresses(ctx, desired.ServerID)
	if err != nil {
		return ActualState{}, fmt.Errorf("%w: get alias IPs of server %d: %w", ErrProviderUnavailable, desired.ServerID, err)
	}
	for _, a := range current {
		prefix, err := provider.CanonicalPrefix(a)
		if err != nil {
			return ActualState{}, fmt.Errorf("%w: server %d reports alias %q: %w", ErrProviderUnavailable, desired.ServerID, a, err)
		}
		actual.AliasAddresses.Insert(prefix)
	}
	logger.Debug("Fetched alias IPs", "server_id", desired.ServerID, "aliases", sets.List(actual.AliasAddresses))

	return actual, nil
}
