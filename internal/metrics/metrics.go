package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FundMetrics groups the gauges and counters exported by the fund service.
type FundMetrics struct {
	navPerShare   prometheus.Gauge
	holdingsValue prometheus.Gauge
	shareSupply   prometheus.Gauge
	epoch         prometheus.Gauge
	participation *prometheus.GaugeVec
	submissions   *prometheus.CounterVec
	quorumMisses  *prometheus.CounterVec
	slashes       *prometheus.CounterVec
	slashedStake  prometheus.Counter
	operations    *prometheus.CounterVec
	staleNAV      prometheus.Counter
	roundDuration prometheus.Histogram
}

var (
	fundOnce     sync.Once
	fundRegistry *FundMetrics
)

// Fund returns the process-wide fund metrics, registering them on first use.
func Fund() *FundMetrics {
	fundOnce.Do(func() {
		fundRegistry = &FundMetrics{
			navPerShare: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "navfund_nav_per_share",
				Help: "NAV per share at the last completed round.",
			}),
			holdingsValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "navfund_holdings_value",
				Help: "Total holdings value in the base asset at the last completed round.",
			}),
			shareSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "navfund_share_supply",
				Help: "Outstanding share supply.",
			}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "navfund_epoch",
				Help: "Current consensus epoch.",
			}),
			participation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "navfund_participation_bps",
				Help: "Participating stake in bps of total stake, per asset, at the last resolution.",
			}, []string{"asset"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "navfund_submissions_total",
				Help: "Reporter submissions by result.",
			}, []string{"result"}),
			quorumMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "navfund_quorum_misses_total",
				Help: "Assets left unresolved at round end, by reason.",
			}, []string{"reason"}),
			slashes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "navfund_slashes_total",
				Help: "Slash events by reason.",
			}, []string{"reason"}),
			slashedStake: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "navfund_slashed_stake_total",
				Help: "Cumulative stake removed by slashing.",
			}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "navfund_vault_operations_total",
				Help: "Vault operations by kind and result.",
			}, []string{"kind", "result"}),
			staleNAV: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "navfund_stale_nav_total",
				Help: "Rounds that ended without a complete price vector.",
			}),
			roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "navfund_round_duration_seconds",
				Help:    "Wall time spent processing one round.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			fundRegistry.navPerShare,
			fundRegistry.holdingsValue,
			fundRegistry.shareSupply,
			fundRegistry.epoch,
			fundRegistry.participation,
			fundRegistry.submissions,
			fundRegistry.quorumMisses,
			fundRegistry.slashes,
			fundRegistry.slashedStake,
			fundRegistry.operations,
			fundRegistry.staleNAV,
			fundRegistry.roundDuration,
		)
	})
	return fundRegistry
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *FundMetrics) SetNAV(perShare, holdingsValue, supply float64) {
	if m == nil {
		return
	}
	m.navPerShare.Set(perShare)
	m.holdingsValue.Set(holdingsValue)
	m.shareSupply.Set(supply)
}

func (m *FundMetrics) SetSupply(supply float64) {
	if m == nil {
		return
	}
	m.shareSupply.Set(supply)
}

func (m *FundMetrics) SetEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
}

func (m *FundMetrics) ObserveParticipation(asset string, bps float64) {
	if m == nil {
		return
	}
	m.participation.WithLabelValues(asset).Set(bps)
}

func (m *FundMetrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *FundMetrics) ObserveQuorumMiss(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.quorumMisses.WithLabelValues(reason).Inc()
}

func (m *FundMetrics) ObserveSlash(reason string, amount float64) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.slashes.WithLabelValues(reason).Inc()
	if amount > 0 {
		m.slashedStake.Add(amount)
	}
}

func (m *FundMetrics) ObserveOperation(kind, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, result).Inc()
}

func (m *FundMetrics) IncStaleNAV() {
	if m == nil {
		return
	}
	m.staleNAV.Inc()
}

func (m *FundMetrics) ObserveRoundDuration(seconds float64) {
	if m == nil {
		return
	}
	m.roundDuration.Observe(seconds)
}
