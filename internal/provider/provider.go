package provider

import (
	"context"
	"fmt"
	"net/netip"
)

// Client is the set of provider operations the reconciler depends on.
// Implementations own transport concerns such as auth, retries and timeouts.
type Client interface {
	ListFloatingIPs(ctx context.Context, selector map[string]string) ([]FloatingIP, error)
	AssignFloatingIP(ctx context.Context, floatingIPID, serverID int64) error
	GetAliasAddresses(ctx context.Context, serverID int64) ([]string, error)
	SetAliasAddresses(ctx context.Context, serverID int64, addresses []string) error
}

// FloatingIP is a snapshot of a provider floating IP. A nil ServerID means
// the address is not assigned to any server.
type FloatingIP struct {
	ID       int64
	Name     string
	Address  string
	Labels   map[string]string
	ServerID *int64
}

func (f FloatingIP) AssignedTo(serverID int64) bool {
	return f.ServerID != nil && *f.ServerID == serverID
}

// MatchesLabels reports whether every selector key is present on the record
// with an equal value. Extra labels on the record are ignored.
func (f FloatingIP) MatchesLabels(selector map[string]string) bool {
	for k, v := range selector {
		got, ok := f.Labels[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// CanonicalPrefix parses a CIDR or bare IP and returns its masked prefix
// string. Bare addresses become host prefixes.
func CanonicalPrefix(s string) (string, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked().String(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: not CIDR notation", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()).String(), nil
}
