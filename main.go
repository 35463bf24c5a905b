// Command hcloud-vrrp-failover moves Hetzner Cloud floating IPs and alias
// IPs to the server it runs on. It is meant to be run as a keepalived
// notify script when the node becomes MASTER.
//
// For detailed usage information, run:
//
//	hcloud-vrrp-failover --help
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/cli"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cli.SetVersionInfo(version, commit, date)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
