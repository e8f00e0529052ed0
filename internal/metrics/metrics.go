package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ptApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "pt_applied_total",
			Help:      "Count of PT applications by outcome.",
		},
		[]string{"outcome"},
	)

	ptDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "pt_decision_total",
			Help:      "Count of trainer decisions over PT applications.",
		},
		[]string{"decision"},
	)

	changeRequest = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "change_request_total",
			Help:      "Count of schedule change request transitions by resulting state.",
		},
		[]string{"state"},
	)

	changeRequestExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "change_request_expired_total",
			Help:      "Count of change requests persisted as expired by the reconciler.",
		},
	)

	scheduleConflict = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "schedule_conflict_total",
			Help:      "Count of detected schedule conflicts by reason.",
		},
		[]string{"reason"},
	)

	trainerSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "trainer_sync_total",
			Help:      "Count of center-to-trainer working hour syncs by status.",
		},
		[]string{"status"},
	)

	availabilityCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ptschedule",
			Name:      "availability_cache_total",
			Help:      "Availability cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ptApplied, ptDecision, changeRequest, changeRequestExpired,
			scheduleConflict, trainerSync, availabilityCache)
	})
}

func IncPtApplied(outcome string) {
	ptApplied.WithLabelValues(outcome).Inc()
}

func IncPtDecision(decision string) {
	ptDecision.WithLabelValues(decision).Inc()
}

func IncChangeRequest(state string) {
	changeRequest.WithLabelValues(state).Inc()
}

func AddChangeRequestExpired(n int64) {
	changeRequestExpired.Add(float64(n))
}

func IncScheduleConflict(reason string) {
	scheduleConflict.WithLabelValues(reason).Inc()
}

func IncTrainerSync(status string) {
	trainerSync.WithLabelValues(status).Inc()
}

func IncAvailabilityCache(result string) {
	availabilityCache.WithLabelValues(result).Inc()
}
