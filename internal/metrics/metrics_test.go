package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry so
// tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for connection gauges.
	c.UpdatePoolStats("a:27017", 3, 5, 1)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("a:27017"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("a:27017", 2, 4, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("a:27017"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("a:27017", 5, 10, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("a:27017")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("a:27017")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("a:27017")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestCommandDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.CommandDuration("a:27017", 100*time.Millisecond)
	c.CommandDuration("a:27017", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "mongocore_command_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("command duration metric not found")
	}
}

func TestCommandError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.CommandError("a:27017", "DuplicateKeyError")
	c.CommandError("a:27017", "DuplicateKeyError")
	c.CommandError("a:27017", "AutoReconnect")

	val := getCounterValue(c.commandErrors.WithLabelValues("a:27017", "DuplicateKeyError"))
	if val != 2 {
		t.Errorf("expected DuplicateKeyError=2, got %v", val)
	}
	val = getCounterValue(c.commandErrors.WithLabelValues("a:27017", "AutoReconnect"))
	if val != 1 {
		t.Errorf("expected AutoReconnect=1, got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("a:27017")
	c.PoolExhausted("a:27017")
	c.PoolExhausted("a:27017")

	val := getCounterValue(c.poolExhausted.WithLabelValues("a:27017"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestResolutionDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ResolutionDuration("ok", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "mongocore_resolution_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 resolution sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("resolution duration metric not found")
	}
}

func TestResolutionError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ResolutionError("ConfigurationError")
	c.ResolutionError("ConfigurationError")
	c.ResolutionError("AutoReconnect")

	val := getCounterValue(c.resolutionErrors.WithLabelValues("ConfigurationError"))
	if val != 2 {
		t.Errorf("expected ConfigurationError=2, got %v", val)
	}
}

func TestSetMemberHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetMemberHealth("a:27017", true)
	val := getGaugeValue(c.memberHealth.WithLabelValues("a:27017"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetMemberHealth("a:27017", false)
	val = getGaugeValue(c.memberHealth.WithLabelValues("a:27017"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestAuthReconcile(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AuthReconcile("ok")
	c.AuthReconcile("ok")
	c.AuthReconcile("error")

	val := getCounterValue(c.authReconciles.WithLabelValues("ok"))
	if val != 2 {
		t.Errorf("expected ok=2, got %v", val)
	}
	val = getCounterValue(c.authReconciles.WithLabelValues("error"))
	if val != 1 {
		t.Errorf("expected error=1, got %v", val)
	}
}

func TestRemoveAddress(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("a:27017", 1, 2, 0)
	c.SetMemberHealth("a:27017", true)
	c.PoolExhausted("a:27017")
	c.CommandError("a:27017", "OperationFailure")

	c.RemoveAddress("a:27017")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "address" && l.GetValue() == "a:27017" {
					t.Errorf("metric %s still has a:27017 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleAddresses(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("a:27017", 1, 0, 0)
	c.UpdatePoolStats("b:27017", 2, 1, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("a:27017"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("b:27017"))

	if v1 != 1 {
		t.Errorf("expected a active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected b active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("a:27017", 1, 0, 0)
	c2.UpdatePoolStats("a:27017", 2, 0, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("a:27017"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("a:27017"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
