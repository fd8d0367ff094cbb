package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	betTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_bets_total",
			Help: "Bets placed by game and result",
		},
		[]string{"game", "result"},
	)

	cashoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_cashouts_total",
			Help: "Crash cash-outs by trigger (manual|auto) and result",
		},
		[]string{"trigger", "result"},
	)

	raceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_race_losses_total",
			Help: "Requests that lost a race against the round or another request",
		},
		[]string{"kind"},
	)

	settlementTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_settlements_total",
			Help: "Bets resolved by game and outcome",
		},
		[]string{"game", "outcome"},
	)

	roundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_rounds_total",
			Help: "Crash round lifecycle events",
		},
		[]string{"table", "event"},
	)

	crashPoint = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wager_crash_point",
			Help:    "Committed crash multipliers",
			Buckets: []float64{1, 1.5, 2, 3, 5, 10, 25, 100, 1000},
		},
	)

	finalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wager_finalize_duration_ms",
			Help:    "Round finalize duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	ledgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_ledger_errors_total",
			Help: "Ledger failures by operation and kind",
		},
		[]string{"op", "kind"},
	)
)

func RecordBet(game, result string) {
	betTotal.WithLabelValues(strings.ToLower(game), result).Inc()
}

func RecordCashout(auto bool, result string) {
	trigger := "manual"
	if auto {
		trigger = "auto"
	}
	cashoutTotal.WithLabelValues(trigger, result).Inc()
}

func RecordRaceLoss(kind string) {
	raceTotal.WithLabelValues(kind).Inc()
}

func RecordSettlement(game, outcome string) {
	settlementTotal.WithLabelValues(strings.ToLower(game), strings.ToLower(outcome)).Inc()
}

// RecordRound counts started, running, crashed, discarded and settled rounds.
func RecordRound(table, event string) {
	roundTotal.WithLabelValues(table, event).Inc()
}

func ObserveCrashPoint(m float64) {
	crashPoint.Observe(m)
}

func ObserveFinalize(started time.Time) {
	finalizeDuration.Observe(float64(time.Since(started).Milliseconds()))
}

func RecordLedgerError(op, kind string) {
	ledgerErrors.WithLabelValues(op, kind).Inc()
}
