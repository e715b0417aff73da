package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_paste_created_total",
		Help: "no. of pastes created",
	})
	FilesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_files_stored_total",
		Help: "no. of attached files stored",
	})
	PasteViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_paste_viewed_total",
		Help: "no. of successful paste views",
	})
	FileDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_file_downloaded_total",
		Help: "no. of successful file downloads",
	})
	Consumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keydrop_consumed_total",
			Help: "no. of delete-after-view teardowns",
		},
		[]string{"scope"},
	)
	NotFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keydrop_not_found_total",
			Help: "no. of lookups answered with not found",
		},
		[]string{"kind"},
	)
	KeyCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_key_collisions_total",
		Help: "no. of generated keys that were already taken",
	})
	ManualDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_manual_deletes_total",
		Help: "no. of owner-initiated deletes that removed a paste",
	})
	CascadeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keydrop_cascade_failures_total",
			Help: "no. of failed best-effort cleanup steps",
		},
		[]string{"step"},
	)
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_sweep_runs_total",
		Help: "no. of expiry sweeps",
	})
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_sweep_deleted_total",
		Help: "no. of expired pastes removed by sweeps",
	})
	OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keydrop_orphans_reaped_total",
		Help: "no. of orphaned file rows removed",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keydrop_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keydrop_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keydrop_encryption_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keydrop_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
