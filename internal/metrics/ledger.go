package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	deposits       *prometheus.CounterVec
	referrals      *prometheus.CounterVec
	storeConflicts prometheus.Counter
	verifySeconds  prometheus.Histogram
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the process-wide ledger metrics, registering them with the
// default prometheus registry on first use.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_deposits_total",
				Help: "Deposit submissions by outcome.",
			}, []string{"outcome"}),
			referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_referrals_total",
				Help: "Referral state machine events.",
			}, []string{"event"}),
			storeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_store_conflicts_total",
				Help: "Ledger updates retried after a concurrent write.",
			}),
			verifySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "ledger_verify_seconds",
				Help:    "Latency of on-chain deposit verification.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.deposits,
			ledgerRegistry.referrals,
			ledgerRegistry.storeConflicts,
			ledgerRegistry.verifySeconds,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) Deposit(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deposits.WithLabelValues(outcome).Inc()
}

func (m *LedgerMetrics) Referral(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.referrals.WithLabelValues(event).Inc()
}

func (m *LedgerMetrics) StoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

func (m *LedgerMetrics) ObserveVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.verifySeconds.Observe(d.Seconds())
}
