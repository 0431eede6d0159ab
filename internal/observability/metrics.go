package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain collectors. HTTP traffic is instrumented separately by the
// middleware package; these cover the crawl, the cache and the queue.
var (
	githubRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "github_requests_total",
			Help: "Outbound GitHub API requests by response status (\"error\" for transport failures).",
		},
		[]string{"status"},
	)

	githubRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "github_retries_total",
			Help: "GitHub request retries by reason.",
		},
		[]string{"reason"},
	)

	githubCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "github_etag_hits_total",
			Help: "GitHub responses served from the ETag store after a 304.",
		},
	)

	aggregationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregation_runs_total",
			Help: "Aggregation runs by outcome.",
		},
		[]string{"outcome"},
	)

	// Crawls take seconds to many minutes.
	aggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregation_duration_seconds",
			Help:    "Wall time of complete aggregation runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	snapshotReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_reads_total",
			Help: "Snapshot reads on the contributors read path by result (fresh, stale, cold, error).",
		},
		[]string{"result"},
	)

	refreshJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_jobs_total",
			Help: "Refresh job lifecycle events (enqueued, skipped, completed, retried, failed).",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(
		githubRequests, githubRetries, githubCacheHits,
		aggregationRuns, aggregationDuration,
		snapshotReads, refreshJobs,
	)
}

// ObserveGitHubRequest counts one outbound request. status <= 0 means the
// request failed before a response arrived.
func ObserveGitHubRequest(status int) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	githubRequests.WithLabelValues(label).Inc()
}

// ObserveGitHubRetry counts one retry ("rate_limit" or "server_error").
func ObserveGitHubRetry(reason string) { githubRetries.WithLabelValues(reason).Inc() }

// ObserveETagHit counts one 304 served from the ETag store.
func ObserveETagHit() { githubCacheHits.Inc() }

// ObserveAggregation records the outcome and duration of one run.
func ObserveAggregation(outcome string, d time.Duration) {
	aggregationRuns.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		aggregationDuration.Observe(d.Seconds())
	}
}

// ObserveSnapshotRead counts one read-path lookup.
func ObserveSnapshotRead(result string) { snapshotReads.WithLabelValues(result).Inc() }

// ObserveRefreshJob counts one refresh job event.
func ObserveRefreshJob(event string) { refreshJobs.WithLabelValues(event).Inc() }
