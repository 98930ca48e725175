package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyaltycore_scheduler_runs_total",
		Help: "Scheduler task runs by task and outcome",
	}, []string{"task", "outcome"})

	SchedulerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loyaltycore_scheduler_duration_seconds",
		Help:    "Duration of scheduler task runs",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"task"})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyaltycore_sweep_errors_total",
		Help: "Per-promotion or per-user errors isolated during sweeps",
	}, []string{"type"})

	GiftsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyaltycore_gifts_granted_total",
		Help: "Gifts created by source",
	}, []string{"source"})

	LevelsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyaltycore_loyalty_levels_granted_total",
		Help: "Loyalty level rows granted",
	})

	ReferralBonuses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyaltycore_referral_bonuses_total",
		Help: "Referred purchases rewarded to a referrer",
	})

	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyaltycore_push_deliveries_total",
		Help: "Push deliveries by channel and status",
	}, []string{"channel", "status"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loyaltycore_dispatch_duration_seconds",
		Help:    "Duration of broadcast dispatch batches",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	LedgerSyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyaltycore_ledger_sync_errors_total",
		Help: "Failed calls to the external ledger",
	}, []string{"op"})

	PurchasesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyaltycore_purchases_ingested_total",
		Help: "Purchase events by outcome",
	}, []string{"outcome"})
)

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func ObserveSchedulerRun(task, outcome string, d time.Duration) {
	SchedulerRuns.WithLabelValues(label(task), label(outcome)).Inc()
	SchedulerDuration.WithLabelValues(label(task)).Observe(d.Seconds())
}

func IncSweepError(promoType string) {
	SweepErrors.WithLabelValues(label(promoType)).Inc()
}

func IncGiftsGranted(source string, n int) {
	if n > 0 {
		GiftsGranted.WithLabelValues(label(source)).Add(float64(n))
	}
}

func IncLevelsGranted(n int) {
	if n > 0 {
		LevelsGranted.Add(float64(n))
	}
}

func IncReferralBonus() {
	ReferralBonuses.Inc()
}

func IncPushDelivery(channel, status string) {
	PushDeliveries.WithLabelValues(label(channel), label(status)).Inc()
}

func ObserveDispatchDuration(d time.Duration) {
	DispatchDuration.Observe(d.Seconds())
}

func IncLedgerSyncError(op string) {
	LedgerSyncErrors.WithLabelValues(label(op)).Inc()
}

func IncPurchaseIngested(outcome string) {
	PurchasesIngested.WithLabelValues(label(outcome)).Inc()
}
