package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinebayar-g/opnsense-docker-automated/desired"
	"github.com/shinebayar-g/opnsense-docker-automated/tracker"
)

var testSettings = desired.Settings{
	WANInterface:      "wan",
	LocalIPAddress:    "192.168.1.10",
	LocalDomainSuffix: ".local",
}

type fakeInventory struct {
	containers []desired.ContainerSnapshot
	err        error
	delay      time.Duration
	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func (f *fakeInventory) ListRunningContainers(context.Context) ([]desired.ContainerSnapshot, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(f.delay)
	return f.containers, f.err
}

type fakeAPI struct {
	mu         sync.Mutex
	hosts      []desired.DesiredHostOverride
	rules      []desired.PortForwardRuleSpec
	failHosts  map[string]bool
	failRules  map[string]bool
	hostApply  int
	ruleApply  int
	applyError error
}

func (f *fakeAPI) CreateHostOverride(_ context.Context, host desired.DesiredHostOverride) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, host)
	if f.failHosts[host.Hostname] {
		return errors.New("host override rejected")
	}
	return nil
}

func (f *fakeAPI) CreatePortForwardRule(_ context.Context, rule desired.PortForwardRuleSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
	if f.failRules[rule.Description()] {
		return errors.New("rule rejected")
	}
	return nil
}

func (f *fakeAPI) ApplyHostOverrides(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostApply++
	return f.applyError
}

func (f *fakeAPI) ApplyPortForwardRules(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleApply++
	return f.applyError
}

func (f *fakeAPI) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts, f.rules = nil, nil
	f.hostApply, f.ruleApply = 0, 0
}

func exampleContainer() desired.ContainerSnapshot {
	return desired.ContainerSnapshot{
		ID:    "abc",
		Names: []string{"svc"},
		Labels: map[string]string{
			"caddy":                           "svc.local",
			"port_forward.1.protocol":         "udp",
			"port_forward.1.destination_port": "55555",
			"port_forward.1.target_port":      "55555",
		},
	}
}

func TestRunCycle_EndToEndExample(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{exampleContainer()}}
	api := &fakeAPI{}
	tr := tracker.New()
	r := New(inv, api, tr, testSettings, zerolog.Nop())

	result, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, CycleResult{Containers: 1, HostsCreated: 1, RulesCreated: 1}, result)
	require.Len(t, api.hosts, 1)
	assert.Equal(t, "svc.local", api.hosts[0].Hostname)
	assert.Equal(t, "192.168.1.10", api.hosts[0].TargetIP)
	require.Len(t, api.rules, 1)
	assert.Equal(t, map[string]string{
		"protocol":         "udp",
		"destination_port": "55555",
		"target_port":      "55555",
		"interface":        "wan",
		"destination":      "192.168.1.10",
		"description":      "abc:1",
	}, api.rules[0].Properties)
	assert.True(t, tr.HasHostname("svc.local"))
	assert.True(t, tr.HasDescription("abc:1"))
	assert.Equal(t, 1, api.hostApply)
	assert.Equal(t, 1, api.ruleApply)

	api.reset()
	result, err = r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, CycleResult{Containers: 1, Skipped: 2}, result)
	assert.Empty(t, api.hosts)
	assert.Empty(t, api.rules)
	assert.Zero(t, api.hostApply)
	assert.Zero(t, api.ruleApply)
}

func TestRunCycle_Idempotent(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{
		exampleContainer(),
		{ID: "def", Labels: map[string]string{
			"caddy":                   "other.local",
			"port_forward.0.protocol": "tcp",
			"port_forward.1.protocol": "tcp",
		}},
	}}
	api := &fakeAPI{}
	r := New(inv, api, tracker.New(), testSettings, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := r.RunCycle(context.Background())
		require.NoError(t, err)
	}

	assert.Len(t, api.hosts, 2)
	descriptions := map[string]int{}
	for _, rule := range api.rules {
		descriptions[rule.Description()]++
	}
	assert.Equal(t, map[string]int{"abc:1": 1, "def:0": 1, "def:1": 1}, descriptions)
}

func TestRunCycle_FailureIsIsolated(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{
		{ID: "a", Labels: map[string]string{
			"caddy":                   "a.local",
			"port_forward.0.protocol": "tcp",
			"port_forward.1.protocol": "tcp",
		}},
		{ID: "b", Labels: map[string]string{
			"caddy":                   "b.local",
			"port_forward.0.protocol": "udp",
		}},
	}}
	api := &fakeAPI{failRules: map[string]bool{"a:0": true}, failHosts: map[string]bool{"a.local": true}}
	tr := tracker.New()
	r := New(inv, api, tr, testSettings, zerolog.Nop())

	result, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.HostsCreated)
	assert.Equal(t, 1, result.HostsFailed)
	assert.Equal(t, 2, result.RulesCreated)
	assert.Equal(t, 1, result.RulesFailed)
	assert.Len(t, api.hosts, 2)
	assert.Len(t, api.rules, 3)
	assert.False(t, tr.HasHostname("a.local"))
	assert.True(t, tr.HasHostname("b.local"))
	assert.False(t, tr.HasDescription("a:0"))
	assert.True(t, tr.HasDescription("a:1"))
	assert.True(t, tr.HasDescription("b:0"))

	// failed items are retried on the next cycle, nothing else is
	api.reset()
	api.failRules, api.failHosts = nil, nil
	_, err = r.RunCycle(context.Background())

	require.NoError(t, err)
	require.Len(t, api.hosts, 1)
	assert.Equal(t, "a.local", api.hosts[0].Hostname)
	require.Len(t, api.rules, 1)
	assert.Equal(t, "a:0", api.rules[0].Description())
}

func TestRunCycle_InventoryError(t *testing.T) {
	inv := &fakeInventory{err: errors.New("docker unreachable")}
	api := &fakeAPI{}
	tr := tracker.New()
	r := New(inv, api, tr, testSettings, zerolog.Nop())
	before := testutil.ToFloat64(cyclesTotal.WithLabelValues(resultInventoryError))

	_, err := r.RunCycle(context.Background())

	assert.ErrorContains(t, err, "docker unreachable")
	assert.Empty(t, api.hosts)
	assert.Empty(t, api.rules)
	h, d := tr.Counts()
	assert.Zero(t, h)
	assert.Zero(t, d)
	assert.Equal(t, before+1, testutil.ToFloat64(cyclesTotal.WithLabelValues(resultInventoryError)))
}

func TestRunCycle_SeededTrackerSkipsExisting(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{exampleContainer()}}
	api := &fakeAPI{}
	tr := tracker.New()
	tr.Seed([]string{"svc.local"}, []string{"abc:1"})
	r := New(inv, api, tr, testSettings, zerolog.Nop())

	result, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Empty(t, api.hosts)
	assert.Empty(t, api.rules)
}

func TestRunCycle_SharedHostnameCreatedOnce(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{
		{ID: "a", Labels: map[string]string{"caddy": "svc.local"}},
		{ID: "b", Labels: map[string]string{"caddy": "svc.local"}},
	}}
	api := &fakeAPI{}
	r := New(inv, api, tracker.New(), testSettings, zerolog.Nop())

	result, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	require.Len(t, api.hosts, 1)
	assert.Equal(t, "a", api.hosts[0].ContainerID)
	assert.Equal(t, 1, result.Skipped)
}

func TestRunCycle_RejectionsDoNotBlockValidRules(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{
		{ID: "c1", Labels: map[string]string{
			"caddy":                      "svc.example.com",
			"port_forward.0":             "x",
			"port_forward.0.description": "x",
			"port_forward.0.protocol":    "tcp",
		}},
	}}
	api := &fakeAPI{}
	r := New(inv, api, tracker.New(), testSettings, zerolog.Nop())
	before := testutil.ToFloat64(labelRejectionsTotal.WithLabelValues(string(desired.ReasonReservedProperty)))

	result, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, result.Rejected)
	assert.Empty(t, api.hosts)
	require.Len(t, api.rules, 1)
	assert.Equal(t, "c1:0", api.rules[0].Description())
	assert.Equal(t, before+1, testutil.ToFloat64(labelRejectionsTotal.WithLabelValues(string(desired.ReasonReservedProperty))))
}

func TestRunCycle_ApplyFailureKeepsRecords(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{exampleContainer()}}
	api := &fakeAPI{applyError: errors.New("reconfigure failed")}
	tr := tracker.New()
	r := New(inv, api, tr, testSettings, zerolog.Nop())

	result, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.HostsCreated)
	assert.Equal(t, 1, result.RulesCreated)
	assert.True(t, tr.HasHostname("svc.local"))
	assert.True(t, tr.HasDescription("abc:1"))
}

func TestRunCycle_CreateMetrics(t *testing.T) {
	inv := &fakeInventory{containers: []desired.ContainerSnapshot{exampleContainer()}}
	api := &fakeAPI{failRules: map[string]bool{"abc:1": true}}
	r := New(inv, api, tracker.New(), testSettings, zerolog.Nop())
	hostOK := createsTotal.WithLabelValues(kindHostOverride, resultSuccess)
	ruleFail := createsTotal.WithLabelValues(kindPortForwardRule, resultFailure)
	hostBefore, ruleBefore := testutil.ToFloat64(hostOK), testutil.ToFloat64(ruleFail)

	_, err := r.RunCycle(context.Background())

	require.NoError(t, err)
	assert.Equal(t, hostBefore+1, testutil.ToFloat64(hostOK))
	assert.Equal(t, ruleBefore+1, testutil.ToFloat64(ruleFail))
}

func TestRunCycle_NoOverlap(t *testing.T) {
	inv := &fakeInventory{delay: 20 * time.Millisecond}
	r := New(inv, &fakeAPI{}, tracker.New(), testSettings, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.RunCycle(context.Background())
		}()
	}
	wg.Wait()

	assert.False(t, inv.overlapped.Load())
}
