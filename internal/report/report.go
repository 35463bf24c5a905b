package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/journal"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/reconcile"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")
	colorWhite  = lipgloss.Color("#f9fafb")
)

const ruleWidth = 60

// Printer writes human readable run reports. Styles are applied only when
// the writer is a terminal.
type Printer struct {
	w      io.Writer
	styled bool

	title   lipgloss.Style
	section lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	warning lipgloss.Style
	dim     lipgloss.Style
}

func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:       w,
		styled:  isTerminal(w),
		title:   r.NewStyle().Bold(true).Foreground(colorWhite),
		section: r.NewStyle().Bold(true).Foreground(colorBlue),
		ok:      r.NewStyle().Foreground(colorGreen),
		failed:  r.NewStyle().Foreground(colorRed),
		warning: r.NewStyle().Foreground(colorYellow),
		dim:     r.NewStyle().Foreground(colorDim),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *Printer) rule() string {
	return p.render(p.dim, strings.Repeat("=", ruleWidth))
}

// DryRun prints the configuration validation view: the resolved server, the
// matched floating IPs with their status, the configured alias IPs and a
// summary of what a real run would change.
func (p *Printer) DryRun(o reconcile.Outcome, logLevel string) {
	var b strings.Builder
	serverID := o.Desired.ServerID

	b.WriteString(p.rule() + "\n")
	b.WriteString(p.render(p.title, "DRY RUN - Configuration Validation") + "\n")
	b.WriteString(p.rule() + "\n")
	fmt.Fprintf(&b, "Server ID: %d\n", serverID)
	if logLevel != "" {
		fmt.Fprintf(&b, "Log level: %s\n", logLevel)
	}

	fips := o.Actual.FloatingIPs
	fmt.Fprintf(&b, "\n%s\n", p.render(p.section, fmt.Sprintf("Found %d floating IP(s) matching labels:", len(fips))))
	needsAssignment := 0
	if len(fips) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, fip := range fips {
		var status string
		switch {
		case fip.AssignedTo(serverID):
			status = p.render(p.ok, fmt.Sprintf("assigned to server %d ✓ (this server)", *fip.ServerID))
		case fip.ServerID != nil:
			status = p.render(p.warning, fmt.Sprintf("assigned to server %d → needs reassignment", *fip.ServerID))
			needsAssignment++
		default:
			status = p.render(p.warning, "unassigned → needs assignment")
			needsAssignment++
		}
		fmt.Fprintf(&b, "  - %s (ID: %d) - %s\n", fip.Address, fip.ID, status)
	}

	aliases := sets.List(o.Desired.AliasAddresses)
	fmt.Fprintf(&b, "\n%s\n", p.render(p.section, fmt.Sprintf("Configured alias IPs: %d", len(aliases))))
	if len(aliases) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, a := range aliases {
		fmt.Fprintf(&b, "  - %s\n", a)
	}
	aliasChange := false
	for _, action := range o.Planned {
		if _, ok := action.(reconcile.SetAliasAddresses); ok {
			aliasChange = true
		}
	}

	b.WriteString("\n" + p.rule() + "\n")
	b.WriteString(p.render(p.title, "Summary:") + "\n")
	b.WriteString(p.rule() + "\n")
	if needsAssignment > 0 {
		b.WriteString(p.render(p.warning, fmt.Sprintf("⚠ %d floating IP(s) need to be assigned", needsAssignment)) + "\n")
	} else {
		b.WriteString(p.render(p.ok, "✓ All floating IPs already correctly assigned") + "\n")
	}
	if aliasChange {
		current := sets.List(o.Actual.AliasAddresses)
		b.WriteString(p.render(p.warning, fmt.Sprintf("⚠ Alias IPs need to change (currently: %s)", joinOrNone(current))) + "\n")
	} else {
		b.WriteString(p.render(p.ok, "✓ Alias IPs already configured") + "\n")
	}
	if !o.Planned.IsEmpty() {
		b.WriteString("Run without --dry-run to execute failover\n")
	}

	io.WriteString(p.w, b.String())
}

// Outcome prints the result of a real run.
func (p *Printer) Outcome(o reconcile.Outcome) {
	var b strings.Builder

	if o.Planned.IsEmpty() {
		b.WriteString(p.render(p.ok, "✓ Already converged, nothing to do") + "\n")
		io.WriteString(p.w, b.String())
		return
	}

	for _, r := range o.Applied {
		if r.Succeeded() {
			fmt.Fprintf(&b, "  %s %s\n", p.render(p.ok, "[OK]"), r.Action)
			continue
		}
		fmt.Fprintf(&b, "  %s %s\n", p.render(p.failed, "[!!]"), r.Err)
	}

	failures := len(o.Failures())
	if failures == 0 {
		b.WriteString(p.render(p.ok, fmt.Sprintf("✓ Failover complete, %d action(s) applied", len(o.Applied))) + "\n")
	} else {
		b.WriteString(p.render(p.failed, fmt.Sprintf("✗ Failover incomplete, %d of %d action(s) failed", failures, len(o.Applied))) + "\n")
	}
	io.WriteString(p.w, b.String())
}

// History prints journal entries, newest first.
func (p *Printer) History(entries []journal.Entry) {
	var b strings.Builder

	if len(entries) == 0 {
		b.WriteString(p.render(p.dim, "No runs recorded") + "\n")
		io.WriteString(p.w, b.String())
		return
	}

	b.WriteString(p.render(p.dim, fmt.Sprintf("%-25s %-10s %-8s %-8s %s", "TIME", "SERVER", "MODE", "RESULT", "ACTIONS")) + "\n")
	for _, e := range entries {
		mode := "apply"
		if e.DryRun {
			mode = "dry-run"
		}
		result := p.render(p.ok, fmt.Sprintf("%-8s", "ok"))
		if !e.Success {
			result = p.render(p.failed, fmt.Sprintf("%-8s", "failed"))
		}
		fmt.Fprintf(&b, "%-25s %-10d %-8s %s %d", e.Time.Local().Format(time.RFC3339), e.ServerID, mode, result, len(e.Actions))
		if n := e.FailedActions(); n > 0 {
			fmt.Fprintf(&b, " (%d failed)", n)
		}
		b.WriteString("\n")
		if e.Error != "" {
			b.WriteString("  " + p.render(p.failed, e.Error) + "\n")
		}
		for _, a := range e.Actions {
			line := "  - " + a.Description
			if a.Error != "" {
				line += ": " + p.render(p.failed, a.Error)
			}
			b.WriteString(line + "\n")
		}
	}
	io.WriteString(p.w, b.String())
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
