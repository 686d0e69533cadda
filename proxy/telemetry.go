package proxy

import (
	"sync"
	"sync/atomic"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/ilrudie/istio-ztunnel/directory"
	"github.com/ilrudie/istio-ztunnel/logging"
	"github.com/ilrudie/istio-ztunnel/rbac"
)

// ConnectionOpen describes one relayed connection for telemetry. Source is
// best-effort attribution from the directory and may be nil; Destination is
// the resolved upstream workload.
type ConnectionOpen struct {
	Conn               rbac.Connection
	Source             *directory.Workload
	Destination        *directory.Workload
	DestinationService *directory.Service
}

// Sink receives connection telemetry. For every ConnectionOpen the returned
// tracker's Close fires a matching close record exactly once, whichever
// exit path the connection takes.
type Sink interface {
	ConnectionOpen(rec *ConnectionOpen) ConnectionTracker
}

// ConnectionTracker accumulates per-connection transfer counters and emits
// the close record.
type ConnectionTracker interface {
	// AddBytes records incremental transfer: tx source->destination, rx the
	// reverse.
	AddBytes(tx, rx uint64)

	// Close emits the close record. Redundant calls are no-ops.
	Close(err error)
}

// MetricsSink reports connection telemetry through go-metrics and logs
// open/close lifecycle events.
type MetricsSink struct {
	logger      hclog.Logger
	activeConns int32
}

var _ Sink = (*MetricsSink)(nil)

func NewMetricsSink(logger hclog.Logger) *MetricsSink {
	return &MetricsSink{logger: logger.Named(logging.Telemetry)}
}

func (s *MetricsSink) ConnectionOpen(rec *ConnectionOpen) ConnectionTracker {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// rand failure; the id is only a log correlation key
		id = "unknown"
	}

	labels := connLabels(rec)
	metrics.IncrCounterWithLabels([]string{"inbound", "conns_opened"}, 1, labels)
	active := atomic.AddInt32(&s.activeConns, 1)
	metrics.SetGauge([]string{"inbound", "conns"}, float32(active))

	s.logger.Info("connection opened", "id", id, "connection", rec.Conn,
		"destination", workloadName(rec.Destination), "service", serviceHostname(rec.DestinationService),
		"source", workloadName(rec.Source))

	return &metricsTracker{sink: s, rec: rec, id: id, labels: labels}
}

type metricsTracker struct {
	sink   *MetricsSink
	rec    *ConnectionOpen
	id     string
	labels []metrics.Label

	tx, rx uint64
	once   sync.Once
}

func (t *metricsTracker) AddBytes(tx, rx uint64) {
	if tx > 0 {
		metrics.IncrCounterWithLabels([]string{"inbound", "tx_bytes"}, float32(tx), t.labels)
	}
	if rx > 0 {
		metrics.IncrCounterWithLabels([]string{"inbound", "rx_bytes"}, float32(rx), t.labels)
	}
	atomic.AddUint64(&t.tx, tx)
	atomic.AddUint64(&t.rx, rx)
}

func (t *metricsTracker) Close(err error) {
	t.once.Do(func() {
		metrics.IncrCounterWithLabels([]string{"inbound", "conns_closed"}, 1, t.labels)
		active := atomic.AddInt32(&t.sink.activeConns, -1)
		metrics.SetGauge([]string{"inbound", "conns"}, float32(active))

		kv := []interface{}{
			"id", t.id,
			"connection", t.rec.Conn,
			"tx_bytes", atomic.LoadUint64(&t.tx),
			"rx_bytes", atomic.LoadUint64(&t.rx),
		}
		if err != nil {
			t.sink.logger.Warn("connection closed with error", append(kv, "error", err)...)
			return
		}
		t.sink.logger.Info("connection closed", kv...)
	})
}

func connLabels(rec *ConnectionOpen) []metrics.Label {
	labels := []metrics.Label{
		{Name: "dst", Value: workloadName(rec.Destination)},
	}
	if svc := serviceHostname(rec.DestinationService); svc != "" {
		labels = append(labels, metrics.Label{Name: "dst_service", Value: svc})
	}
	return labels
}

func workloadName(w *directory.Workload) string {
	if w == nil {
		return ""
	}
	return w.Name
}

func serviceHostname(s *directory.Service) string {
	if s == nil {
		return ""
	}
	return s.Hostname
}
