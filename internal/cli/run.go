package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/config"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/identity"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/journal"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/logger"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/reconcile"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/report"
)

const masterState = "MASTER"

type runFlags struct {
	configPath   string
	dryRun       bool
	fakeServerID int64
}

func runFailover(cmd *cobra.Command, o *options, f *runFlags, args []string) error {
	fakeID := cmd.Flags().Changed("fake-server-id")
	if fakeID && !f.dryRun {
		return &exitError{code: ExitFailure, msg: "--fake-server-id can only be used with --dry-run"}
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return &exitError{code: ExitFailure, msg: err.Error()}
	}

	log, closer, err := logger.Open(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer closer.Close()
	if err != nil {
		log.Warn("Continuing with console logging only", "error", err)
	}
	slog.SetDefault(log)

	if len(args) >= 3 && !strings.EqualFold(args[2], masterState) {
		log.Info("Not transitioning to MASTER, skipping failover", "type", args[0], "name", args[1], "state", args[2])
		return nil
	}
	if len(args) >= 3 {
		log.Info("Transitioning to MASTER", "type", args[0], "name", args[1])
	}

	log.Info("Starting failover", "version", version, "dry_run", f.dryRun)
	log.Debug("Loaded configuration", "config", cfg.Redacted())

	m := metrics.New(true)
	client, err := o.newClient(cfg, log, m)
	if err != nil {
		return &exitError{code: ExitFailure, msg: err.Error()}
	}

	var source identity.Source
	if fakeID {
		fmt.Fprintf(cmd.OutOrStdout(), "Using fake server ID: %d\n", f.fakeServerID)
		source = identity.Static(f.fakeServerID)
	} else {
		source = o.newIdentity(cfg)
	}

	ctx := cmd.Context()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	engine := reconcile.NewEngine(client, log, m)
	outcome, runErr := engine.Run(ctx, source, reconcile.Request{
		FloatingIPLabels: cfg.FloatingIPLabels,
		AliasAddresses:   cfg.AliasIPs,
		DryRun:           f.dryRun,
	})
	duration := time.Since(start)
	success := runErr == nil && outcome.Success()

	m.IncRun(success, f.dryRun)
	m.SetRunDuration(duration)

	if runErr == nil {
		printer := report.New(cmd.OutOrStdout())
		if f.dryRun {
			printer.DryRun(outcome, cfg.LogLevel)
		} else {
			printer.Outcome(outcome)
		}
	}

	if cfg.JournalPath != "" {
		record(cmd.Context(), cfg, log, m, newEntry(start, hostnameOf(source), outcome, runErr))
	}

	if cfg.MetricsTextfile != "" {
		if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn("Failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
		}
	}

	if runErr != nil {
		log.Log(context.Background(), logger.LevelCritical, "Failover failed", "error", runErr, "duration", duration)
		return &exitError{code: ExitFailure, msg: runErr.Error()}
	}
	if !success {
		log.Error("Failover completed with errors", "failures", len(outcome.Failures()), "duration", duration)
		return &exitError{code: ExitFailure}
	}
	log.Info("Failover completed successfully", "actions", len(outcome.Applied), "dry_run", f.dryRun, "duration", duration)
	return nil
}

func newEntry(start time.Time, hostname string, outcome reconcile.Outcome, runErr error) journal.Entry {
	entry := journal.Entry{
		Time:     start,
		ServerID: outcome.Desired.ServerID,
		Hostname: hostname,
		DryRun:   outcome.DryRun,
		Success:  runErr == nil && outcome.Success(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	for _, r := range outcome.Applied {
		a := journal.ActionRecord{Kind: r.Action.Kind(), Description: r.Action.String()}
		var actionErr *reconcile.ActionError
		if errors.As(r.Err, &actionErr) {
			a.Error = actionErr.Err.Error()
		} else if r.Err != nil {
			a.Error = r.Err.Error()
		}
		entry.Actions = append(entry.Actions, a)
	}
	return entry
}

// hostnameOf asks the identity source for the hostname when it can answer.
// It may issue a metadata request, so it only runs once the failover is done.
func hostnameOf(source identity.Source) string {
	h, ok := source.(interface{ Hostname() string })
	if !ok {
		return ""
	}
	return h.Hostname()
}

// record appends the run to the journal when one is configured. Journal
// failures never change the exit code.
func record(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics, entry journal.Entry) {
	j, err := journal.Open(cfg.JournalPath, cfg.JournalRetain, m)
	if err != nil {
		log.Warn("Failed to open journal", "path", cfg.JournalPath, "error", err)
		return
	}
	defer j.Close()

	// the run context may already be cancelled
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := j.Append(ctx, entry); err != nil {
		log.Warn("Failed to append journal entry", "path", cfg.JournalPath, "error", err)
	}
}
