package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackupRuns counts backup runs by terminal status.
	BackupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoport_backup_runs_total",
			Help: "Backup runs by target and terminal status",
		},
		[]string{"target", "status"},
	)

	// RestoreRuns counts restore runs by terminal status.
	RestoreRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoport_restore_runs_total",
			Help: "Restore runs by target and terminal status",
		},
		[]string{"target", "status"},
	)

	// CleanupResults counts retention cleanup outcomes per invocation item.
	CleanupResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoport_cleanup_results_total",
			Help: "Retention cleanup item outcomes",
		},
		[]string{"result"},
	)

	// JobPollErrors counts transient poll failures against FastDeploy.
	JobPollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echoport_job_poll_errors_total",
			Help: "Transient errors while polling FastDeploy job status",
		},
	)
)
