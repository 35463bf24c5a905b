// Package cli defines the hcloud-vrrp-failover command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/config"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/identity"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider/hetzner"
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo sets the version information from main.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// ClientFactory builds the provider client for a loaded configuration.
type ClientFactory func(cfg *config.Config, logger *slog.Logger, metrics *metrics.Metrics) (provider.Client, error)

// IdentityFactory builds the server identity source when no fake ID is given.
type IdentityFactory func(cfg *config.Config) identity.Source

type options struct {
	newClient   ClientFactory
	newIdentity IdentityFactory
}

type Option func(*options)

// WithClientFactory replaces the Hetzner Cloud client (useful for testing).
func WithClientFactory(f ClientFactory) Option {
	return func(o *options) {
		o.newClient = f
	}
}

// WithIdentityFactory replaces the metadata service lookup.
func WithIdentityFactory(f IdentityFactory) Option {
	return func(o *options) {
		o.newIdentity = f
	}
}

func defaultOptions() *options {
	return &options{
		newClient: func(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (provider.Client, error) {
			return hetzner.New(cfg, version, logger, m)
		},
		newIdentity: func(cfg *config.Config) identity.Source {
			var opts []identity.MetadataOption
			if cfg.MetadataEndpoint != "" {
				opts = append(opts, identity.WithEndpoint(cfg.MetadataEndpoint))
			}
			return identity.NewMetadata(opts...)
		},
	}
}

// exitError carries an exit code through cobra. An empty message means the
// failure was already reported.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// Root returns the root command. Without a subcommand it runs one failover.
func Root(opts ...Option) *cobra.Command {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "hcloud-vrrp-failover [TYPE NAME STATE [PRIORITY]]",
		Short: "Move Hetzner Cloud floating IPs and alias IPs to this server",
		Long: `Assigns every floating IP matching the configured labels to this server
and sets the configured alias IPs on its private networks.

Meant to be called as a keepalived notify script. When the keepalived
arguments are passed, only a transition to MASTER triggers failover.`,
		Example: `  # Execute failover with default config
  hcloud-vrrp-failover

  # Execute failover with custom config
  hcloud-vrrp-failover -c /etc/hetzner/config.yaml

  # Dry run with fake server ID (test without Hetzner server)
  hcloud-vrrp-failover --dry-run --fake-server-id 12345

  # keepalived notify script
  hcloud-vrrp-failover INSTANCE VI_1 MASTER 100`,
		Version:       version,
		Args:          validateNotifyArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailover(cmd, o, f, args)
		},
	}
	cmd.SetVersionTemplate("hcloud-vrrp-failover {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Validate configuration without making changes")
	cmd.Flags().Int64Var(&f.fakeServerID, "fake-server-id", 0, "Fake server ID for testing (only works with --dry-run)")

	cmd.AddCommand(History())
	cmd.AddCommand(Version())

	return cmd
}

// Execute runs the command tree and maps the result to an exit code. ctx
// should be cancelled on SIGINT or SIGTERM.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...Option) int {
	cmd := Root(opts...)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if ctx.Err() != nil {
		fmt.Fprintln(stderr, "\nInterrupted")
		return ExitInterrupted
	}
	if err == nil {
		return ExitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			fmt.Fprintf(stderr, "Error: %s\n", exitErr.msg)
		}
		return exitErr.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitFailure
}

// validateNotifyArgs accepts no arguments or the keepalived notify
// arguments TYPE NAME STATE [PRIORITY].
func validateNotifyArgs(_ *cobra.Command, args []string) error {
	switch len(args) {
	case 0, 3, 4:
		return nil
	}
	return fmt.Errorf("expected no arguments or TYPE NAME STATE [PRIORITY], got %d argument(s)", len(args))
}
