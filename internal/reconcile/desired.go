package reconcile

import (
	"fmt"
	"maps"
	"net/netip"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
)

// BuildDesired turns the configured selector and alias list into the state
// serverID should converge to. It does no I/O.
func BuildDesired(serverID int64, labels map[string]string, aliases []string) (DesiredState, error) {
	if serverID <= 0 {
		return DesiredState{}, fmt.Errorf("%w: invalid server id %d", ErrInvalidConfiguration, serverID)
	}

	for k, v := range labels {
		if errs := validation.IsQualifiedName(k); len(errs) > 0 {
			return DesiredState{}, fmt.Errorf("%w: label key %q: %s", ErrInvalidConfiguration, k, strings.Join(errs, "; "))
		}
		if errs := validation.IsValidLabelValue(v); len(errs) > 0 {
			return DesiredState{}, fmt.Errorf("%w: label %q value %q: %s", ErrInvalidConfiguration, k, v, strings.Join(errs, "; "))
		}
	}

	addresses := sets.New[string]()
	for _, a := range aliases {
		prefix, err := provider.CanonicalPrefix(strings.TrimSpace(a))
		if err != nil {
			return DesiredState{}, fmt.Errorf("%w: alias_ips: %w", ErrInvalidConfiguration, err)
		}
		// alias IPs are single addresses; a network prefix can never be applied
		if p := netip.MustParsePrefix(prefix); p.Bits() != p.Addr().BitLen() {
			return DesiredState{}, fmt.Errorf("%w: alias_ips: %q is not a single address, use a /%d prefix or a bare IP",
				ErrInvalidConfiguration, strings.TrimSpace(a), p.Addr().BitLen())
		}
		addresses.Insert(prefix)
	}

	selector := make(map[string]string, len(labels))
	maps.Copy(selector, labels)

	return DesiredState{
		ServerID:         serverID,
		FloatingIPLabels: selector,
		AliasAddresses:   addresses,
	}, nil
}
