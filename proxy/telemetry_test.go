package proxy

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/ilrudie/istio-ztunnel/directory"
	"github.com/ilrudie/istio-ztunnel/rbac"
)

func testSetupMetrics(t *testing.T) *metrics.InmemSink {
	t.Helper()
	// Record for ages (5 mins) so we can be confident that our assertions
	// won't fail on silly long test runs due to dropped data.
	s := metrics.NewInmemSink(10*time.Second, 300*time.Second)
	cfg := metrics.DefaultConfig("ztunnel.proxy.test")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	metrics.NewGlobal(cfg, s)
	return s
}

// sumCounter adds up every sample whose key starts with prefix, across all
// intervals and label sets.
func sumCounter(sink *metrics.InmemSink, prefix string) float64 {
	var got float64
	for _, intv := range sink.Data() {
		intv.RLock()
		for name, sample := range intv.Counters {
			if strings.HasPrefix(name, prefix) {
				got += sample.Sum
			}
		}
		intv.RUnlock()
	}
	return got
}

// currentGauge returns the most recent value recorded for the named gauge.
func currentGauge(sink *metrics.InmemSink, name string) (float32, bool) {
	data := sink.Data()
	for i := len(data) - 1; i >= 0; i-- {
		intv := data[i]
		intv.RLock()
		if g, ok := intv.Gauges[name]; ok {
			intv.RUnlock()
			return g.Value, true
		}
		intv.RUnlock()
	}
	return 0, false
}

func testOpenRecord() *ConnectionOpen {
	return &ConnectionOpen{
		Conn: rbac.Connection{
			Src:        netip.MustParseAddrPort("10.0.0.1:33000"),
			DstNetwork: "net1",
			Dst:        netip.MustParseAddrPort("10.0.0.5:80"),
		},
		Destination: &directory.Workload{Name: "app", Namespace: "default"},
		DestinationService: &directory.Service{
			Hostname: "app.default.svc.cluster.local",
		},
	}
}

func TestMetricsSink_OpenClose(t *testing.T) {
	sink := testSetupMetrics(t)
	s := NewMetricsSink(hclog.NewNullLogger())

	tracker := s.ConnectionOpen(testOpenRecord())
	require.Equal(t, float64(1), sumCounter(sink, "ztunnel.proxy.test.inbound.conns_opened"))

	gauge, ok := currentGauge(sink, "ztunnel.proxy.test.inbound.conns")
	require.True(t, ok)
	require.Equal(t, float32(1), gauge)

	tracker.AddBytes(1000, 500)
	require.Equal(t, float64(1000), sumCounter(sink, "ztunnel.proxy.test.inbound.tx_bytes"))
	require.Equal(t, float64(500), sumCounter(sink, "ztunnel.proxy.test.inbound.rx_bytes"))

	tracker.Close(nil)
	require.Equal(t, float64(1), sumCounter(sink, "ztunnel.proxy.test.inbound.conns_closed"))

	gauge, ok = currentGauge(sink, "ztunnel.proxy.test.inbound.conns")
	require.True(t, ok)
	require.Equal(t, float32(0), gauge)
}

func TestMetricsSink_CloseExactlyOnce(t *testing.T) {
	sink := testSetupMetrics(t)
	s := NewMetricsSink(hclog.NewNullLogger())

	tracker := s.ConnectionOpen(testOpenRecord())
	tracker.Close(errors.New("upstream reset"))
	tracker.Close(nil)
	tracker.Close(nil)

	require.Equal(t, float64(1), sumCounter(sink, "ztunnel.proxy.test.inbound.conns_closed"))
}
