package sip

import "github.com/prometheus/client_golang/prometheus"

// LayerCollector exposes a [TransactionLayer] as a Prometheus collector.
// Register it with a [prometheus.Registerer]; it reads the layer's counters
// on every scrape and never blocks transaction processing.
type LayerCollector struct {
	txl *TransactionLayer

	live        *prometheus.Desc
	created     *prometheus.Desc
	passed      *prometheus.Desc
	retransSeen *prometheus.Desc
	acks        *prometheus.Desc
	retransDue  *prometheus.Desc
	timeouts    *prometheus.Desc
	reaped      *prometheus.Desc
}

// NewLayerCollector creates a collector reading from the given layer.
func NewLayerCollector(txl *TransactionLayer) *LayerCollector {
	return &LayerCollector{
		txl: txl,
		live: prometheus.NewDesc(
			"pbx_sip_transactions_live",
			"Number of live SIP transactions in the registry.",
			nil, nil,
		),
		created: prometheus.NewDesc(
			"pbx_sip_transactions_created_total",
			"Total SIP transactions created.",
			[]string{"side"}, nil,
		),
		passed: prometheus.NewDesc(
			"pbx_sip_responses_passed_total",
			"Total inbound responses passed up to the dialog layer.",
			nil, nil,
		),
		retransSeen: prometheus.NewDesc(
			"pbx_sip_retransmissions_absorbed_total",
			"Total inbound retransmissions absorbed by duplicate suppression.",
			nil, nil,
		),
		acks: prometheus.NewDesc(
			"pbx_sip_unmatched_acks_total",
			"Total unmatched ACKs tolerated.",
			nil, nil,
		),
		retransDue: prometheus.NewDesc(
			"pbx_sip_retransmissions_due_total",
			"Total retransmit actions reported by transaction timers.",
			nil, nil,
		),
		timeouts: prometheus.NewDesc(
			"pbx_sip_transaction_timeouts_total",
			"Total transactions terminated by timers B, F or H.",
			nil, nil,
		),
		reaped: prometheus.NewDesc(
			"pbx_sip_transactions_reaped_total",
			"Total terminated transactions removed from the registry.",
			nil, nil,
		),
	}
}

// Describe implements [prometheus.Collector].
func (c *LayerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.created
	ch <- c.passed
	ch <- c.retransSeen
	ch <- c.acks
	ch <- c.retransDue
	ch <- c.timeouts
	ch <- c.reaped
}

// Collect implements [prometheus.Collector].
func (c *LayerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.txl.Stats()

	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(c.txl.TransactionCount()))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(stats.ClientCreated), "client")
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(stats.ServerCreated), "server")
	ch <- prometheus.MustNewConstMetric(c.passed, prometheus.CounterValue, float64(stats.ResponsesPassed))
	ch <- prometheus.MustNewConstMetric(c.retransSeen, prometheus.CounterValue, float64(stats.RetransmitsSeen))
	ch <- prometheus.MustNewConstMetric(c.acks, prometheus.CounterValue, float64(stats.AcksAbsorbed))
	ch <- prometheus.MustNewConstMetric(c.retransDue, prometheus.CounterValue, float64(stats.RetransmitsSent))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.reaped, prometheus.CounterValue, float64(stats.Reaped))
}
