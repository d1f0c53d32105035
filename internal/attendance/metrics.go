package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_started_total",
		Help: "Sessions opened",
	})

	sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_sessions_closed_total",
			Help: "Sessions closed, by trigger",
		},
		[]string{"trigger"}, // manual, sweep, reclaim
	)

	checkIns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_checkins_total",
			Help: "Check-in attempts by outcome",
		},
		[]string{"outcome"},
	)

	absentMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_absent_marked_total",
		Help: "ABSENT records synthesized at session close",
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_sweep_duration_seconds",
		Help:    "Duration of cleanup sweeps",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
)

func observeCheckIn(err error, already bool) {
	switch {
	case err == nil && already:
		checkIns.WithLabelValues("duplicate").Inc()
	case err == nil:
		checkIns.WithLabelValues("accepted").Inc()
	default:
		checkIns.WithLabelValues(KindOf(err).String()).Inc()
	}
}
