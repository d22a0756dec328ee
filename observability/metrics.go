// Package observability exposes Prometheus metrics for the reservation
// scheduler, adapted from control_plane/observability/metrics.go's
// package-level promauto variable block.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalBandwidth tracks the system-wide admitted bandwidth as a
	// fraction of one CPU (0.0-1.0).
	TotalBandwidth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rres_total_bandwidth_ratio",
		Help: "Currently admitted system-wide bandwidth as a fraction of one CPU",
	})

	// ServerCount tracks the number of live reservation servers.
	ServerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rres_server_count",
		Help: "Current number of live reservation servers",
	})

	// ServerApprovedBandwidth tracks the bandwidth approved for a given
	// server, labeled by its id.
	ServerApprovedBandwidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rres_server_approved_bandwidth_ratio",
		Help: "Bandwidth currently approved for a server, as a fraction of one CPU",
	}, []string{"server_id"})

	// RechargeTotal counts recharge events per server.
	RechargeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rres_recharge_total",
		Help: "Total number of recharge events for a server",
	}, []string{"server_id"})

	// AdmissionRejections counts CreateServer/SetParams rejections by
	// reason code.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rres_admission_rejections_total",
		Help: "Total number of admission-control rejections by error code",
	}, []string{"code"})

	// UserCompressionCoeff tracks the current per-user compression
	// coefficient (1.0 = uncompressed).
	UserCompressionCoeff = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rres_user_compression_coefficient",
		Help: "Current compression coefficient applied to a user's excess bandwidth request",
	}, []string{"uid"})

	// LevelCompressionCoeff tracks the current per-level compression
	// coefficient.
	LevelCompressionCoeff = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rres_level_compression_coefficient",
		Help: "Current compression coefficient applied to a priority level's excess bandwidth request",
	}, []string{"level"})

	// APIRateLimited counts facade calls rejected by the per-uid rate
	// limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rres_api_rate_limited_total",
		Help: "Admission-control API calls rejected by the per-uid rate limiter",
	}, []string{"uid"})

	// DispatchDuration tracks wall-clock time spent in one Tick call.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rres_dispatch_duration_seconds",
		Help:    "Duration of one scheduler Tick call",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	// ReadyQueueDepth tracks the number of servers currently ready to
	// run.
	ReadyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rres_ready_queue_depth",
		Help: "Current number of servers in the ready queue",
	})
)

// ServerLabel renders a scheduler.ID (or any integer server identifier)
// as the label value used across the server_id-labeled metrics above.
func ServerLabel(id int) string { return strconv.Itoa(id) }
