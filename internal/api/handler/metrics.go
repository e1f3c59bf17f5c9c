package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/powledger/internal/node"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powledger_ledger_events_total",
		Help: "Ledger changes by kind: submitted, mined, accepted, rejected, replaced.",
	}, []string{"event"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powledger_chain_length",
		Help: "Number of blocks in the local chain, including genesis.",
	})

	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powledger_pending_records",
		Help: "Number of records waiting to be mined.",
	})

	peerFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powledger_peer_fetches_total",
		Help: "Peer chain fetches during consensus by result.",
	}, []string{"result"})

	consensusRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powledger_consensus_rounds_total",
		Help: "Consensus rounds by outcome.",
	}, []string{"outcome"})

	announceDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powledger_announce_deliveries_total",
		Help: "Block announcements to peers by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// InstrumentNode wires the node's callbacks to the package metrics.
func InstrumentNode(n *node.Node) {
	n.SetMetricsRecorder(RecordLedgerEvent)
	n.SetFetchRecorder(RecordPeerFetch)
	n.Resolver().SetOutcomeRecord(RecordConsensusRound)
	n.Announcer().SetDeliveryRecord(RecordAnnounceDelivery)

	chainLength.Set(float64(n.Ledger().Len()))
	pendingRecords.Set(float64(len(n.Pending())))
}

// RecordLedgerEvent records a ledger change and the resulting sizes.
func RecordLedgerEvent(event node.Event, length, pending int) {
	ledgerEventsTotal.WithLabelValues(string(event)).Inc()
	chainLength.Set(float64(length))
	pendingRecords.Set(float64(pending))
}

// RecordPeerFetch records the result of fetching one peer's chain.
func RecordPeerFetch(_ string, err error) {
	if err != nil {
		peerFetchesTotal.WithLabelValues("failure").Inc()
	} else {
		peerFetchesTotal.WithLabelValues("success").Inc()
	}
}

// RecordConsensusRound records whether a consensus round replaced the chain.
func RecordConsensusRound(replaced bool) {
	if replaced {
		consensusRoundsTotal.WithLabelValues("replaced").Inc()
	} else {
		consensusRoundsTotal.WithLabelValues("kept").Inc()
	}
}

// RecordAnnounceDelivery records a block announcement to one peer.
func RecordAnnounceDelivery(_ string, success bool) {
	if success {
		announceDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		announceDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
