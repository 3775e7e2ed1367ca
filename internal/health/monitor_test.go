package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/metrics"
)

// fakeProber fails while failing is true.
type fakeProber struct {
	failing bool
}

func (p *fakeProber) Ping(_ context.Context) error {
	if p.failing {
		return errors.New("connection refused")
	}
	return nil
}

func checkN(t *testing.T, m *Monitor, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := m.CheckServer(context.Background(), id); err != nil {
			t.Fatalf("CheckServer: %v", err)
		}
	}
}

func TestMonitor_AddRemove(t *testing.T) {
	m := NewMonitor()
	if err := m.AddServer("s1", &fakeProber{}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := m.AddServer("s1", &fakeProber{}); !errors.Is(err, ErrDuplicateServer) {
		t.Errorf("duplicate AddServer error = %v, want ErrDuplicateServer", err)
	}

	rec, err := m.GetServerStatus("s1")
	if err != nil {
		t.Fatalf("GetServerStatus: %v", err)
	}
	if rec.Status != StatusOnline || rec.FailedChecks != 0 {
		t.Errorf("initial record = %+v, want ONLINE with zero failures", rec)
	}

	if err := m.RemoveServer("s1"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if err := m.RemoveServer("s1"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("second RemoveServer error = %v, want ErrUnknownServer", err)
	}
	if _, err := m.GetServerStatus("s1"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("GetServerStatus after remove error = %v, want ErrUnknownServer", err)
	}
}

func TestMonitor_DegradeAtExactThreshold(t *testing.T) {
	p := &fakeProber{failing: true}
	m := NewMonitor(WithThresholds(3, 5))
	if err := m.AddServer("s1", p); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	checkN(t, m, "s1", 2)
	rec, _ := m.GetServerStatus("s1")
	if rec.Status != StatusOnline {
		t.Fatalf("status after 2 failures = %s, want ONLINE", rec.Status)
	}

	checkN(t, m, "s1", 1)
	rec, _ = m.GetServerStatus("s1")
	if rec.Status != StatusDegraded {
		t.Fatalf("status after 3 failures = %s, want DEGRADED", rec.Status)
	}
	if rec.FailedChecks != 3 {
		t.Errorf("failed checks = %d, want 3", rec.FailedChecks)
	}
}

func TestMonitor_OfflineAfterOfflineThreshold(t *testing.T) {
	p := &fakeProber{failing: true}
	m := NewMonitor(WithThresholds(2, 4))
	if err := m.AddServer("s1", p); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	checkN(t, m, "s1", 3)
	rec, _ := m.GetServerStatus("s1")
	if rec.Status != StatusDegraded {
		t.Fatalf("status after 3 failures = %s, want DEGRADED", rec.Status)
	}

	checkN(t, m, "s1", 1)
	rec, _ = m.GetServerStatus("s1")
	if rec.Status != StatusOffline {
		t.Fatalf("status after 4 failures = %s, want OFFLINE", rec.Status)
	}

	offline := m.GetOfflineServers()
	if len(offline) != 1 || offline[0] != "s1" {
		t.Errorf("offline servers = %v, want [s1]", offline)
	}
	if healthy := m.GetHealthyServers(); len(healthy) != 0 {
		t.Errorf("healthy servers = %v, want none", healthy)
	}
}

func TestMonitor_SingleSuccessRecovers(t *testing.T) {
	tests := []struct {
		name     string
		failures int
	}{
		{"from degraded", 2},
		{"from offline", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProber{failing: true}
			m := NewMonitor(WithThresholds(2, 4))
			if err := m.AddServer("s1", p); err != nil {
				t.Fatalf("AddServer: %v", err)
			}

			checkN(t, m, "s1", tt.failures)
			rec, _ := m.GetServerStatus("s1")
			if rec.Status == StatusOnline {
				t.Fatalf("setup: status still ONLINE after %d failures", tt.failures)
			}

			p.failing = false
			checkN(t, m, "s1", 1)

			rec, _ = m.GetServerStatus("s1")
			if rec.Status != StatusOnline {
				t.Errorf("status after one success = %s, want ONLINE", rec.Status)
			}
			if rec.FailedChecks != 0 {
				t.Errorf("failed checks after recovery = %d, want 0", rec.FailedChecks)
			}
		})
	}
}

func TestMonitor_DegradedStillHealthy(t *testing.T) {
	p := &fakeProber{failing: true}
	m := NewMonitor(WithThresholds(2, 4))
	if err := m.AddServer("s1", p); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := m.AddServer("s2", &fakeProber{}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	checkN(t, m, "s1", 2)

	healthy := m.GetHealthyServers()
	if len(healthy) != 2 {
		t.Fatalf("healthy servers = %v, want both (degraded counts)", healthy)
	}
	degraded := m.GetDegradedServers()
	if len(degraded) != 1 || degraded[0] != "s1" {
		t.Errorf("degraded servers = %v, want [s1]", degraded)
	}
}

func TestMonitor_CheckAll(t *testing.T) {
	m := NewMonitor(WithThresholds(1, 2))
	failing := &fakeProber{failing: true}
	if err := m.AddServer("good", &fakeProber{}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := m.AddServer("bad", failing); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	m.CheckAll(context.Background())

	statuses := m.GetAllStatuses()
	if statuses["good"].Status != StatusOnline {
		t.Errorf("good status = %s, want ONLINE", statuses["good"].Status)
	}
	if statuses["bad"].Status != StatusDegraded {
		t.Errorf("bad status = %s, want DEGRADED", statuses["bad"].Status)
	}
	if statuses["good"].LastCheck.IsZero() || statuses["bad"].LastCheck.IsZero() {
		t.Error("last check timestamps not recorded")
	}
}

func TestMonitor_TransitionEvents(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	var seen []events.Type
	err := bus.Subscribe(context.Background(), events.TopicPool, func(_ context.Context, e events.Event) error {
		seen = append(seen, e.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p := &fakeProber{failing: true}
	m := NewMonitor(WithThresholds(1, 2), WithEventBus(bus))
	if err := m.AddServer("s1", p); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	checkN(t, m, "s1", 2)
	p.failing = false
	checkN(t, m, "s1", 1)

	want := []events.Type{
		events.TypeServerDegraded, events.TypeStatusChange,
		events.TypeServerOffline, events.TypeStatusChange,
		events.TypeServerRecovered, events.TypeStatusChange,
	}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestMonitor_ReportsCheckCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	p := &fakeProber{failing: true}
	m := NewMonitor(WithMetrics(collector))
	if err := m.AddServer("s1", p); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	checkN(t, m, "s1", 2)
	p.failing = false
	checkN(t, m, "s1", 3)

	if got := checkCounter(t, reg, "s1", "failure"); got != 2 {
		t.Errorf("failure count = %v, want 2", got)
	}
	if got := checkCounter(t, reg, "s1", "success"); got != 3 {
		t.Errorf("success count = %v, want 3", got)
	}
}

// checkCounter reads one foreman_health_checks_total sample from the
// registry.
func checkCounter(t *testing.T, reg *prometheus.Registry, serverID, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "foreman_health_checks_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["server_id"] == serverID && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(WithCheckInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx) // second Start is a no-op
	m.Stop()
	m.Stop() // second Stop is a no-op
}
