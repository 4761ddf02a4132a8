package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAndCounts(t *testing.T) {
	m, reg := New()

	m.ExchangesTotal.WithLabelValues("server", "none").Inc()
	m.SessionsActive.Inc()
	m.MessagesSent.Inc()
	m.BytesSent.Add(128)
	m.PacketsRejected.WithLabelValues("unsequenced").Inc()
	m.KeepAlivesSent.Inc()
	m.KeepAliveRTT.Observe(0.004)

	if got := testutil.ToFloat64(m.ExchangesTotal.WithLabelValues("server", "none")); got != 1 {
		t.Errorf("exchanges = %v", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 128 {
		t.Errorf("bytes sent = %v", got)
	}
	if got := testutil.ToFloat64(m.PacketsRejected.WithLabelValues("unsequenced")); got != 1 {
		t.Errorf("rejected = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
	for _, f := range families {
		if got := f.GetName(); len(got) < len("skdp_") || got[:5] != "skdp_" {
			t.Errorf("metric %s not namespaced", got)
		}
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default must return the same instance")
	}
}
