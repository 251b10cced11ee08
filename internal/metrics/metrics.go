// Package metrics exposes the escrow's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_bids_accepted_total",
		Help: "Bids that replaced the highest bid.",
	})
	bidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_bids_rejected_total",
		Help: "Bid notifications bounced back to the ledger.",
	}, []string{"reason"})
	refundsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_refunds_dispatched_total",
		Help: "Refund instructions committed to the outbox.",
	})
	refundsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_refunds_settled_total",
		Help: "Refunds whose outcome was recorded by the continuation.",
	}, []string{"success"})
	liabilitiesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_liabilities_recorded_total",
		Help: "Failed refunds turned into reclaimable liabilities.",
	})
	liabilitiesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_liabilities_reclaimed_total",
		Help: "Liabilities paid out by a reclaim refund.",
	})
	ledgerTransferSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_ledger_transfer_seconds",
		Help:    "Latency of token ledger transfer calls, retries included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
)

func BidAccepted() { bidsAccepted.Inc() }

func BidRejected(reason string) { bidsRejected.WithLabelValues(reason).Inc() }

func RefundDispatched() { refundsDispatched.Inc() }

func RefundSettled(success bool) {
	refundsSettled.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func LiabilityRecorded() { liabilitiesRecorded.Inc() }

func LiabilityReclaimed() { liabilitiesReclaimed.Inc() }

// LedgerTransferTimer starts timing a ledger transfer; call the returned func with the result label.
func LedgerTransferTimer() func(result string) {
	start := time.Now()
	return func(result string) {
		ledgerTransferSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
}
