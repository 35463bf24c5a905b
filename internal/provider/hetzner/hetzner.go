package hetzner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/config"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
)

const applicationName = "hcloud-vrrp-failover"

// HetznerProvider implements provider.Client on the Hetzner Cloud API.
type HetznerProvider struct {
	client     *hcloud.Client
	retries    int
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a HetznerProvider.
type Option func(*HetznerProvider)

// WithHCloudClient sets a custom hcloud client (useful for testing).
func WithHCloudClient(c *hcloud.Client) Option {
	return func(p *HetznerProvider) {
		p.client = c
	}
}

// WithBackOff sets the backoff policy used between retries.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(p *HetznerProvider) {
		p.newBackOff = f
	}
}

func New(cfg *config.Config, version string, logger *slog.Logger, metrics *metrics.Metrics, opts ...Option) (*HetznerProvider, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("hetzner api token empty")
	}

	p := &HetznerProvider{
		retries:    cfg.Retries,
		newBackOff: defaultBackOff,
		logger:     logger,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		hcloudOpts := []hcloud.ClientOption{
			hcloud.WithToken(cfg.APIToken),
			hcloud.WithApplication(applicationName, version),
			hcloud.WithInstrumentation(metrics.Registerer()),
		}
		if cfg.APIEndpoint != "" {
			hcloudOpts = append(hcloudOpts, hcloud.WithEndpoint(cfg.APIEndpoint))
		}
		p.client = hcloud.NewClient(hcloudOpts...)
	}
	return p, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func (p *HetznerProvider) ListFloatingIPs(ctx context.Context, selector map[string]string) ([]provider.FloatingIP, error) {
	labelSelector := buildLabelSelector(selector)
	p.logger.Debug("Listing floating IPs", "label_selector", labelSelector)

	var fips []*hcloud.FloatingIP
	err := p.retry(ctx, "list_floating_ips", func() error {
		var err error
		fips, err = p.client.FloatingIP.AllWithOpts(ctx, hcloud.FloatingIPListOpts{
			ListOpts: hcloud.ListOpts{LabelSelector: labelSelector},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]provider.FloatingIP, 0, len(fips))
	for _, f := range fips {
		result = append(result, fromHCloud(f))
	}
	return result, nil
}

func (p *HetznerProvider) AssignFloatingIP(ctx context.Context, floatingIPID, serverID int64) error {
	p.logger.Info("Assigning floating IP", "id", floatingIPID, "server_id", serverID)

	return p.retry(ctx, "assign_floating_ip", func() error {
		action, _, err := p.client.FloatingIP.Assign(ctx, &hcloud.FloatingIP{ID: floatingIPID}, &hcloud.Server{ID: serverID})
		if err != nil {
			return err
		}
		return p.client.Action.WaitFor(ctx, action)
	})
}

func (p *HetznerProvider) GetAliasAddresses(ctx context.Context, serverID int64) ([]string, error) {
	var server *hcloud.Server
	err := p.retry(ctx, "get_alias_addresses", func() error {
		var err error
		server, err = p.getServer(ctx, serverID)
		return err
	})
	if err != nil {
		return nil, err
	}

	aliases := sets.New[string]()
	for _, pn := range server.PrivateNet {
		for _, ip := range pn.Aliases {
			aliases.Insert(hostPrefix(ip))
		}
	}
	return sets.List(aliases), nil
}

// SetAliasAddresses replaces the alias IPs of every private network attached
// to the server. Each address goes to the network whose range contains it;
// networks without a matching address are left with no aliases.
func (p *HetznerProvider) SetAliasAddresses(ctx context.Context, serverID int64, addresses []string) error {
	var server *hcloud.Server
	err := p.retry(ctx, "get_alias_addresses", func() error {
		var err error
		server, err = p.getServer(ctx, serverID)
		return err
	})
	if err != nil {
		return err
	}

	if len(server.PrivateNet) == 0 {
		if len(addresses) == 0 {
			return nil
		}
		return fmt.Errorf("server %d has no private networks attached, alias IPs require a private network", serverID)
	}

	ranges := make(map[int64]netip.Prefix, len(server.PrivateNet))
	for _, pn := range server.PrivateNet {
		r, err := p.networkRange(ctx, pn.Network)
		if err != nil {
			return err
		}
		ranges[pn.Network.ID] = r
	}

	grouped, unmatched := groupByNetwork(addresses, server.PrivateNet, ranges)
	if len(unmatched) > 0 {
		p.logger.Warn("Could not match alias IPs to networks", "server_id", serverID, "aliases", unmatched)
	}

	var errs []error
	for _, pn := range server.PrivateNet {
		want := grouped[pn.Network.ID]
		have := sets.New[string]()
		for _, ip := range pn.Aliases {
			have.Insert(hostPrefix(ip))
		}
		if have.Equal(sets.New(want...)) {
			p.logger.Debug("Alias IPs already configured on network", "network_id", pn.Network.ID)
			continue
		}

		ips := make([]net.IP, 0, len(want))
		for _, w := range want {
			ips = append(ips, net.IP(netip.MustParsePrefix(w).Addr().AsSlice()))
		}
		p.logger.Info("Changing alias IPs on network", "server_id", serverID, "network_id", pn.Network.ID, "aliases", want)

		err := p.retry(ctx, "set_alias_addresses", func() error {
			action, _, err := p.client.Server.ChangeAliasIPs(ctx, server, hcloud.ServerChangeAliasIPsOpts{
				Network:  pn.Network,
				AliasIPs: ips,
			})
			if err != nil {
				return err
			}
			return p.client.Action.WaitFor(ctx, action)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("network %d: %w", pn.Network.ID, err))
		}
	}

	if len(unmatched) > 0 {
		errs = append(errs, fmt.Errorf("alias IPs outside every attached network: %s", strings.Join(unmatched, ", ")))
	}
	return errors.Join(errs...)
}

func (p *HetznerProvider) getServer(ctx context.Context, serverID int64) (*hcloud.Server, error) {
	server, _, err := p.client.Server.GetByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, backoff.Permanent(fmt.Errorf("server with ID %d not found", serverID))
	}
	return server, nil
}

func (p *HetznerProvider) networkRange(ctx context.Context, network *hcloud.Network) (netip.Prefix, error) {
	if network.IPRange == nil {
		err := p.retry(ctx, "get_alias_addresses", func() error {
			n, _, err := p.client.Network.GetByID(ctx, network.ID)
			if err != nil {
				return err
			}
			if n == nil {
				return backoff.Permanent(fmt.Errorf("network with ID %d not found", network.ID))
			}
			network = n
			return nil
		})
		if err != nil {
			return netip.Prefix{}, err
		}
	}
	if network.IPRange == nil {
		return netip.Prefix{}, fmt.Errorf("network %d has no ip range", network.ID)
	}

	addr, ok := netip.AddrFromSlice(network.IPRange.IP)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("network %d has invalid ip range %s", network.ID, network.IPRange)
	}
	ones, _ := network.IPRange.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones).Masked(), nil
}

// retry runs fn under the provider's backoff policy and records the
// request outcome.
func (p *HetznerProvider) retry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.retries)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		p.logger.Warn("Retrying Hetzner Cloud request", "operation", operation, "attempt", attempt, "delay", delay, "error", err)
	})
	p.metrics.IncProviderRequest(operation, err == nil)
	return err
}

// groupByNetwork assigns each address to the first attached network whose
// range contains it. Results per network are sorted.
func groupByNetwork(addresses []string, nets []hcloud.ServerPrivateNet, ranges map[int64]netip.Prefix) (map[int64][]string, []string) {
	grouped := make(map[int64][]string)
	var unmatched []string

	for _, a := range addresses {
		prefix, err := netip.ParsePrefix(a)
		if err != nil || prefix.Bits() != prefix.Addr().BitLen() {
			unmatched = append(unmatched, a)
			continue
		}
		matched := false
		for _, pn := range nets {
			if ranges[pn.Network.ID].Contains(prefix.Addr()) {
				grouped[pn.Network.ID] = append(grouped[pn.Network.ID], prefix.String())
				matched = true
				break
			}
		}
		if !matched {
			unmatched = append(unmatched, a)
		}
	}
	for id := range grouped {
		sort.Strings(grouped[id])
	}
	return grouped, unmatched
}

// buildLabelSelector converts a map of labels to a Hetzner Cloud label
// selector string. Keys are sorted so the selector is stable.
func buildLabelSelector(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

func fromHCloud(f *hcloud.FloatingIP) provider.FloatingIP {
	record := provider.FloatingIP{
		ID:     f.ID,
		Name:   f.Name,
		Labels: f.Labels,
	}
	if f.IP != nil {
		record.Address = f.IP.String()
	}
	if f.Server != nil {
		id := f.Server.ID
		record.ServerID = &id
	}
	return record
}

func hostPrefix(ip net.IP) string {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return ip.String()
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()).String()
}
