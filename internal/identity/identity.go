// Package identity resolves the Hetzner Cloud server ID of the machine the
// failover hook runs on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud/metadata"
)

const DefaultTimeout = 5 * time.Second

var ErrUnresolved = errors.New("server identity unresolved")

// Source supplies the ID of "this" server.
type Source interface {
	ServerID(ctx context.Context) (int64, error)
}

// Static always returns the same ID. It stands in for the metadata service
// when testing off a Hetzner server.
type Static int64

func (s Static) ServerID(ctx context.Context) (int64, error) {
	if s <= 0 {
		return 0, fmt.Errorf("%w: invalid server id %d", ErrUnresolved, int64(s))
	}
	return int64(s), nil
}

// Metadata reads the server ID from the Hetzner Cloud metadata service.
type Metadata struct {
	client *metadata.Client
}

type MetadataOption func(*metadataOptions)

type metadataOptions struct {
	endpoint string
	timeout  time.Duration
}

// WithEndpoint overrides the metadata base URL.
func WithEndpoint(endpoint string) MetadataOption {
	return func(o *metadataOptions) {
		o.endpoint = endpoint
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) MetadataOption {
	return func(o *metadataOptions) {
		o.timeout = d
	}
}

func NewMetadata(opts ...MetadataOption) *Metadata {
	o := &metadataOptions{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(o)
	}

	clientOpts := []metadata.ClientOption{
		metadata.WithHTTPClient(&http.Client{Timeout: o.timeout}),
	}
	if o.endpoint != "" {
		clientOpts = append(clientOpts, metadata.WithEndpoint(o.endpoint))
	}
	return &Metadata{client: metadata.NewClient(clientOpts...)}
}

func (m *Metadata) ServerID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	id, err := m.client.InstanceID()
	if err != nil {
		return 0, fmt.Errorf("%w: query metadata service (are you running on a Hetzner Cloud server?): %w", ErrUnresolved, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: invalid server id %d from metadata service", ErrUnresolved, id)
	}
	return id, nil
}

// Hostname returns the server hostname, or an empty string when the
// metadata service cannot answer.
func (m *Metadata) Hostname() string {
	hostname, err := m.client.Hostname()
	if err != nil {
		return ""
	}
	return hostname
}
