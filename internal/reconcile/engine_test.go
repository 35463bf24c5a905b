package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/identity"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
	"github.com/evanofslack/hcloud-vrrp-failover/internal/provider"
)

type call struct {
	Op        string
	ID        int64
	ServerID  int64
	Addresses []string
}

type MockProvider struct {
	floatingIPs []provider.FloatingIP
	aliases     []string

	listErr     error
	getAliasErr error
	assignErr   map[int64]error
	setAliasErr error

	calls []call
}

func (m *MockProvider) ListFloatingIPs(ctx context.Context, selector map[string]string) ([]provider.FloatingIP, error) {
	m.calls = append(m.calls, call{Op: "list"})
	return m.floatingIPs, m.listErr
}

func (m *MockProvider) AssignFloatingIP(ctx context.Context, floatingIPID, serverID int64) error {
	m.calls = append(m.calls, call{Op: "assign", ID: floatingIPID, ServerID: serverID})
	return m.assignErr[floatingIPID]
}

func (m *MockProvider) GetAliasAddresses(ctx context.Context, serverID int64) ([]string, error) {
	m.calls = append(m.calls, call{Op: "get_alias", ServerID: serverID})
	return m.aliases, m.getAliasErr
}

func (m *MockProvider) SetAliasAddresses(ctx context.Context, serverID int64, addresses []string) error {
	m.calls = append(m.calls, call{Op: "set_alias", ServerID: serverID, Addresses: addresses})
	return m.setAliasErr
}

func (m *MockProvider) mutations() []call {
	var out []call
	for _, c := range m.calls {
		if c.Op == "assign" || c.Op == "set_alias" {
			out = append(out, c)
		}
	}
	return out
}

func ptr(v int64) *int64 { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(p provider.Client) *engine {
	return NewEngine(p, testLogger(), metrics.New(false)).(*engine)
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		desired  DesiredState
		actual   ActualState
		expected Plan
	}{
		{
			name: "all converged",
			desired: DesiredState{
				ServerID:       12345,
				AliasAddresses: sets.New("10.0.0.100/32"),
			},
			actual: ActualState{
				FloatingIPs:    []provider.FloatingIP{{ID: 1001, ServerID: ptr(12345)}},
				AliasAddresses: sets.New("10.0.0.100/32"),
			},
			expected: Plan{},
		},
		{
			name: "mixed reassignment keeps fetch order",
			desired: DesiredState{
				ServerID:       12345,
				AliasAddresses: sets.New[string](),
			},
			actual: ActualState{
				FloatingIPs: []provider.FloatingIP{
					{ID: 1001, Address: "1.2.3.4"},
					{ID: 1002, Address: "5.6.7.8", ServerID: ptr(99999)},
					{ID: 1003, Address: "9.9.9.9", ServerID: ptr(12345)},
				},
				AliasAddresses: sets.New[string](),
			},
			expected: Plan{
				AssignFloatingIP{FloatingIPID: 1001, Address: "1.2.3.4", ServerID: 12345},
				AssignFloatingIP{FloatingIPID: 1002, Address: "5.6.7.8", ServerID: 12345},
			},
		},
		{
			name: "alias replacement carries the full set",
			desired: DesiredState{
				ServerID:       12345,
				AliasAddresses: sets.New("10.0.0.101/32", "10.0.0.100/32"),
			},
			actual: ActualState{
				AliasAddresses: sets.New("10.0.0.100/32"),
			},
			expected: Plan{
				SetAliasAddresses{ServerID: 12345, Addresses: []string{"10.0.0.100/32", "10.0.0.101/32"}},
			},
		},
		{
			name: "stale alias is removed by replacing with empty set",
			desired: DesiredState{
				ServerID: 12345,
			},
			actual: ActualState{
				AliasAddresses: sets.New("10.0.0.200/32"),
			},
			expected: Plan{
				SetAliasAddresses{ServerID: 12345, Addresses: []string{}},
			},
		},
		{
			name: "assignments precede the alias action",
			desired: DesiredState{
				ServerID:       12345,
				AliasAddresses: sets.New("10.0.0.100/32"),
			},
			actual: ActualState{
				FloatingIPs: []provider.FloatingIP{
					{ID: 2002, Address: "5.6.7.8", ServerID: ptr(1)},
					{ID: 2001, Address: "1.2.3.4"},
				},
			},
			expected: Plan{
				AssignFloatingIP{FloatingIPID: 2002, Address: "5.6.7.8", ServerID: 12345},
				AssignFloatingIP{FloatingIPID: 2001, Address: "1.2.3.4", ServerID: 12345},
				SetAliasAddresses{ServerID: 12345, Addresses: []string{"10.0.0.100/32"}},
			},
		},
		{
			name:     "nothing configured and nothing present",
			desired:  DesiredState{ServerID: 12345},
			actual:   ActualState{},
			expected: Plan{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Diff(tt.desired, tt.actual)
			if len(plan) != len(tt.expected) {
				t.Fatalf("plan length mismatch: got %d (%v), want %d", len(plan), plan, len(tt.expected))
			}
			for i := range plan {
				if !reflect.DeepEqual(plan[i], tt.expected[i]) {
					t.Errorf("action %d: got %#v, want %#v", i, plan[i], tt.expected[i])
				}
			}
		})
	}
}

func TestDiffIdempotent(t *testing.T) {
	desired := DesiredState{
		ServerID:         12345,
		FloatingIPLabels: map[string]string{"role": "vrrp"},
		AliasAddresses:   sets.New("10.0.0.100/32", "10.0.0.101/32"),
	}
	actual := ActualState{
		FloatingIPs: []provider.FloatingIP{
			{ID: 1001, Labels: map[string]string{"role": "vrrp"}},
			{ID: 1002, Labels: map[string]string{"role": "vrrp"}, ServerID: ptr(99999)},
		},
		AliasAddresses: sets.New("10.0.0.100/32"),
	}

	// Simulate the resource-level effect of the plan, then diff again.
	for _, action := range Diff(desired, actual) {
		switch a := action.(type) {
		case AssignFloatingIP:
			for i := range actual.FloatingIPs {
				if actual.FloatingIPs[i].ID == a.FloatingIPID {
					actual.FloatingIPs[i].ServerID = ptr(a.ServerID)
				}
			}
		case SetAliasAddresses:
			actual.AliasAddresses = sets.New(a.Addresses...)
		}
	}

	if plan := Diff(desired, actual); !plan.IsEmpty() {
		t.Errorf("expected empty plan after convergence, got %v", plan)
	}
}

func TestApply(t *testing.T) {
	plan := Plan{
		AssignFloatingIP{FloatingIPID: 1001, Address: "1.2.3.4", ServerID: 12345},
		AssignFloatingIP{FloatingIPID: 1002, Address: "5.6.7.8", ServerID: 12345},
		SetAliasAddresses{ServerID: 12345, Addresses: []string{"10.0.0.100/32"}},
	}

	tests := []struct {
		name          string
		provider      *MockProvider
		dryRun        bool
		expectSuccess bool
		expectFailed  []int
		expectCalls   []call
	}{
		{
			name:          "all actions succeed",
			provider:      &MockProvider{},
			expectSuccess: true,
			expectCalls: []call{
				{Op: "assign", ID: 1001, ServerID: 12345},
				{Op: "assign", ID: 1002, ServerID: 12345},
				{Op: "set_alias", ServerID: 12345, Addresses: []string{"10.0.0.100/32"}},
			},
		},
		{
			name: "first assignment fails, remaining actions still run",
			provider: &MockProvider{
				assignErr: map[int64]error{1001: errors.New("server locked")},
			},
			expectSuccess: false,
			expectFailed:  []int{0},
			expectCalls: []call{
				{Op: "assign", ID: 1001, ServerID: 12345},
				{Op: "assign", ID: 1002, ServerID: 12345},
				{Op: "set_alias", ServerID: 12345, Addresses: []string{"10.0.0.100/32"}},
			},
		},
		{
			name: "alias failure is isolated",
			provider: &MockProvider{
				setAliasErr: errors.New("network not attached"),
			},
			expectSuccess: false,
			expectFailed:  []int{2},
			expectCalls: []call{
				{Op: "assign", ID: 1001, ServerID: 12345},
				{Op: "assign", ID: 1002, ServerID: 12345},
				{Op: "set_alias", ServerID: 12345, Addresses: []string{"10.0.0.100/32"}},
			},
		},
		{
			name: "dry run makes no calls",
			provider: &MockProvider{
				assignErr:   map[int64]error{1001: errors.New("would fail")},
				setAliasErr: errors.New("would fail"),
			},
			dryRun:        true,
			expectSuccess: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.provider)
			outcome := e.Apply(context.Background(), plan, tt.dryRun)

			if outcome.DryRun != tt.dryRun {
				t.Errorf("DryRun = %v, want %v", outcome.DryRun, tt.dryRun)
			}
			if !reflect.DeepEqual(outcome.Planned, plan) {
				t.Errorf("Planned = %v, want %v", outcome.Planned, plan)
			}
			if len(outcome.Applied) != len(plan) {
				t.Fatalf("Applied has %d results, want %d", len(outcome.Applied), len(plan))
			}
			if outcome.Success() != tt.expectSuccess {
				t.Errorf("Success() = %v, want %v", outcome.Success(), tt.expectSuccess)
			}

			var failed []int
			for i, r := range outcome.Applied {
				if !reflect.DeepEqual(r.Action, plan[i]) {
					t.Errorf("result %d is for %v, want %v", i, r.Action, plan[i])
				}
				if !r.Succeeded() {
					failed = append(failed, i)
					var actionErr *ActionError
					if !errors.As(r.Err, &actionErr) || !reflect.DeepEqual(actionErr.Action, plan[i]) {
						t.Errorf("result %d error %v is not an ActionError for its action", i, r.Err)
					}
				}
			}
			if !reflect.DeepEqual(failed, tt.expectFailed) {
				t.Errorf("failed results = %v, want %v", failed, tt.expectFailed)
			}
			if !reflect.DeepEqual(tt.provider.calls, tt.expectCalls) {
				t.Errorf("provider calls = %v, want %v", tt.provider.calls, tt.expectCalls)
			}
		})
	}
}

func TestApplyStopsWhenCancelled(t *testing.T) {
	p := &MockProvider{}
	e := newTestEngine(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := Plan{
		AssignFloatingIP{FloatingIPID: 1001, ServerID: 12345},
		SetAliasAddresses{ServerID: 12345, Addresses: []string{"10.0.0.100/32"}},
	}
	outcome := e.Apply(ctx, plan, false)

	if len(p.calls) != 0 {
		t.Errorf("expected no provider calls after cancellation, got %v", p.calls)
	}
	if outcome.Success() {
		t.Error("expected failed outcome after cancellation")
	}
	if len(outcome.Failures()) != len(plan) {
		t.Errorf("expected every action recorded as failed, got %d", len(outcome.Failures()))
	}
	if !errors.Is(outcome.Applied[0].Err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", outcome.Applied[0].Err)
	}
}

func TestDryRunEquivalence(t *testing.T) {
	newProvider := func() *MockProvider {
		return &MockProvider{
			floatingIPs: []provider.FloatingIP{
				{ID: 1001, Address: "1.2.3.4", Labels: map[string]string{"role": "vrrp"}},
				{ID: 1002, Address: "5.6.7.8", Labels: map[string]string{"role": "vrrp"}, ServerID: ptr(12345)},
			},
			aliases: []string{"10.0.0.100/32"},
		}
	}
	req := Request{
		FloatingIPLabels: map[string]string{"role": "vrrp"},
		AliasAddresses:   []string{"10.0.0.100/32", "10.0.0.101"},
	}

	dryProvider := newProvider()
	dryReq := req
	dryReq.DryRun = true
	dry, err := newTestEngine(dryProvider).Run(context.Background(), identity.Static(12345), dryReq)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}

	realProvider := newProvider()
	applied, err := newTestEngine(realProvider).Run(context.Background(), identity.Static(12345), req)
	if err != nil {
		t.Fatalf("real run: %v", err)
	}

	if !reflect.DeepEqual(dry.Planned, applied.Planned) {
		t.Errorf("dry-run plan %v differs from real plan %v", dry.Planned, applied.Planned)
	}
	if len(dry.Planned) != 2 {
		t.Errorf("expected 2 planned actions, got %v", dry.Planned)
	}
	if m := dryProvider.mutations(); len(m) != 0 {
		t.Errorf("dry run mutated provider: %v", m)
	}
	if m := realProvider.mutations(); len(m) != 2 {
		t.Errorf("real run made %d mutations, want 2: %v", len(m), m)
	}
	if !dry.DryRun || applied.DryRun {
		t.Errorf("unexpected DryRun flags: dry=%v real=%v", dry.DryRun, applied.DryRun)
	}
}

func TestRunFatalErrors(t *testing.T) {
	tests := []struct {
		name      string
		identity  identity.Source
		provider  *MockProvider
		request   Request
		expectErr error
	}{
		{
			name:      "identity unresolved",
			identity:  identity.Static(0),
			provider:  &MockProvider{},
			request:   Request{FloatingIPLabels: map[string]string{"role": "vrrp"}},
			expectErr: ErrIdentityUnresolved,
		},
		{
			name:      "invalid alias address",
			identity:  identity.Static(12345),
			provider:  &MockProvider{},
			request:   Request{AliasAddresses: []string{"10.0.0.300/32"}},
			expectErr: ErrInvalidConfiguration,
		},
		{
			name:      "network alias prefix",
			identity:  identity.Static(12345),
			provider:  &MockProvider{aliases: []string{"10.0.0.100/32"}},
			request:   Request{AliasAddresses: []string{"10.0.0.7/24"}},
			expectErr: ErrInvalidConfiguration,
		},
		{
			name:      "invalid label key",
			identity:  identity.Static(12345),
			provider:  &MockProvider{},
			request:   Request{FloatingIPLabels: map[string]string{"bad key": "x"}},
			expectErr: ErrInvalidConfiguration,
		},
		{
			name:      "floating ip listing fails",
			identity:  identity.Static(12345),
			provider:  &MockProvider{listErr: errors.New("503 service unavailable")},
			request:   Request{FloatingIPLabels: map[string]string{"role": "vrrp"}},
			expectErr: ErrProviderUnavailable,
		},
		{
			name:      "alias read fails",
			identity:  identity.Static(12345),
			provider:  &MockProvider{getAliasErr: errors.New("timeout")},
			request:   Request{AliasAddresses: []string{"10.0.0.100/32"}},
			expectErr: ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := newTestEngine(tt.provider).Run(context.Background(), tt.identity, tt.request)
			if !errors.Is(err, tt.expectErr) {
				t.Fatalf("error = %v, want %v", err, tt.expectErr)
			}
			if len(outcome.Planned) != 0 || len(outcome.Applied) != 0 {
				t.Errorf("expected no plan on fatal error, got %+v", outcome)
			}
			if m := tt.provider.mutations(); len(m) != 0 {
				t.Errorf("fatal error must not mutate, got %v", m)
			}
		})
	}
}

func TestRunConverged(t *testing.T) {
	p := &MockProvider{
		floatingIPs: []provider.FloatingIP{
			{ID: 1001, Labels: map[string]string{"role": "vrrp"}, ServerID: ptr(12345)},
		},
		aliases: []string{"10.0.0.100/32"},
	}
	outcome, err := newTestEngine(p).Run(context.Background(), identity.Static(12345), Request{
		FloatingIPLabels: map[string]string{"role": "vrrp"},
		AliasAddresses:   []string{"10.0.0.100/32"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !outcome.Planned.IsEmpty() || !outcome.Success() {
		t.Errorf("expected empty successful outcome, got %+v", outcome)
	}
	if m := p.mutations(); len(m) != 0 {
		t.Errorf("converged run mutated provider: %v", m)
	}
	if outcome.Desired.ServerID != 12345 || len(outcome.Actual.FloatingIPs) != 1 {
		t.Errorf("outcome does not carry the reconciled states: %+v", outcome)
	}
}

func TestRunWithoutAliasesClearsExisting(t *testing.T) {
	p := &MockProvider{aliases: []string{"10.0.0.200/32"}}

	outcome, err := newTestEngine(p).Run(context.Background(), identity.Static(12345), Request{
		FloatingIPLabels: map[string]string{"role": "vrrp"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !outcome.Success() {
		t.Fatalf("expected success, got %+v", outcome.Failures())
	}

	m := p.mutations()
	if len(m) != 1 || m[0].Op != "set_alias" || len(m[0].Addresses) != 0 {
		t.Errorf("expected one set_alias call with an empty set, got %v", m)
	}
}
