package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "rollout"
	subsystem = "engine"

	StatusOK    = "ok"
	StatusError = "error"

	LabelStatus   = "status"
	LabelStrategy = "strategy"
	LabelStep     = "step"
	LabelRegion   = "region"
	LabelService  = "service"
	LabelBackend  = "backend"
)

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Name:      name,
		Help:      help,
		Namespace: namespace,
		Subsystem: subsystem,
	})
}

var (
	DeploySuccessful = counter("deploy_successful", "number of successful deployments")
	DeployFailed     = counter("deploy_failed", "number of failed deployments")
	DeployRolledBack = counter("deploy_rolled_back", "number of deployments ending in rollback")
	LockConflicts    = counter("lock_conflicts", "number of deployments rejected because the service lock was held")
	ClusterResources = counter("cluster_resources", "number of resources successfully committed to a cluster")

	activeDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "active_deployments",
		Help:      "number of deployments currently in flight",
		Namespace: namespace,
		Subsystem: subsystem,
	})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "step_duration_seconds",
		Help:      "time spent in individual deployment steps",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	},
		[]string{
			LabelStrategy,
			LabelStep,
			LabelStatus,
		},
	)

	regionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "region_state_transitions",
		Help:      "number of region state transitions",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelRegion,
			LabelStatus,
		},
	)

	stateStoreOps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "state_store_operations",
		Help:      "time to execute state store operations",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelBackend,
			LabelStatus,
		},
	)

	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute database queries",
		Namespace: namespace,
		Subsystem: subsystem,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelStatus,
		},
	)

	batchOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "batch_operations",
		Help:      "number of batched cluster operations executed",
		Namespace: namespace,
		Subsystem: subsystem,
	},
		[]string{
			LabelStatus,
		},
	)
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

func SetActiveDeployments(n int) {
	activeDeployments.Set(float64(n))
}

func ObserveStep(strategy, step string, started time.Time, err error) {
	stepDuration.With(prometheus.Labels{
		LabelStrategy: strategy,
		LabelStep:     step,
		LabelStatus:   statusLabel(err),
	}).Observe(time.Since(started).Seconds())
}

func RegionTransition(region, status string) {
	regionTransitions.With(prometheus.Labels{
		LabelRegion: region,
		LabelStatus: status,
	}).Inc()
}

func StateStoreOperation(backend string, started time.Time, err error) {
	stateStoreOps.With(prometheus.Labels{
		LabelBackend: backend,
		LabelStatus:  statusLabel(err),
	}).Observe(time.Since(started).Seconds())
}

func DatabaseQuery(t time.Time, err error) {
	databaseQueries.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Observe(time.Since(t).Seconds())
}

func BatchOperation(err error) {
	batchOperations.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Inc()
}

func init() {
	prometheus.MustRegister(DeploySuccessful)
	prometheus.MustRegister(DeployFailed)
	prometheus.MustRegister(DeployRolledBack)
	prometheus.MustRegister(LockConflicts)
	prometheus.MustRegister(ClusterResources)
	prometheus.MustRegister(activeDeployments)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(regionTransitions)
	prometheus.MustRegister(stateStoreOps)
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(batchOperations)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
