// Package metrics exposes engine counters over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus instruments on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	settlements      prometheus.Counter
	deposits         prometheus.Counter
	withdrawals      prometheus.Counter
	liquidationCalls prometheus.Counter
	liquidatedSize   prometheus.Counter
	debtPaid         prometheus.Counter
	openAccounts     prometheus.Gauge
	keeperReward     prometheus.Histogram
}

// New creates a metrics set under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    log.Root().New("module", "metrics"),

		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total orders settled against the engine",
		}),
		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total collateral deposits",
		}),
		withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total collateral withdrawals",
		}),
		liquidationCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_calls_total",
			Help:      "Total liquidation calls executed",
		}),
		liquidatedSize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidated_size_total",
			Help:      "Total position size closed by liquidation",
		}),
		debtPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debt_paid_total",
			Help:      "Total debt repaid in unit-of-account terms",
		}),
		openAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_accounts",
			Help:      "Accounts with engine-side state",
		}),
		keeperReward: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keeper_reward",
			Help:      "Keeper reward paid per liquidation call",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
		}),
	}

	registry.MustRegister(
		m.settlements, m.deposits, m.withdrawals,
		m.liquidationCalls, m.liquidatedSize, m.debtPaid,
		m.openAccounts, m.keeperReward,
	)
	return m
}

// RecordSettlement counts one settled order.
func (m *Metrics) RecordSettlement() { m.settlements.Inc() }

// RecordDeposit counts one collateral deposit.
func (m *Metrics) RecordDeposit() { m.deposits.Inc() }

// RecordWithdrawal counts one collateral withdrawal.
func (m *Metrics) RecordWithdrawal() { m.withdrawals.Inc() }

// RecordLiquidation counts one liquidation call with the size closed and
// the keeper reward paid.
func (m *Metrics) RecordLiquidation(size, reward float64) {
	m.liquidationCalls.Inc()
	m.liquidatedSize.Add(size)
	m.keeperReward.Observe(reward)
}

// RecordDebtPayment adds a debt repayment amount.
func (m *Metrics) RecordDebtPayment(amount float64) { m.debtPaid.Add(amount) }

// SetOpenAccounts sets the engine-side account count.
func (m *Metrics) SetOpenAccounts(n int) { m.openAccounts.Set(float64(n)) }

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until the server fails.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	m.logger.Info("metrics server listening", "addr", addr)
	return srv.ListenAndServe()
}
