package resolver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard cache lookups by result: hit, miss, error.
	shardFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_resolver_shard_fetches_total",
			Help: "Shard cache lookups by result",
		},
		[]string{"result"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "model_resolver_bytes_downloaded_total",
			Help: "Bytes read from remote sources",
		},
	)

	// Files accounted for by resolve, by outcome: new, cached, verified, failed.
	filesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_resolver_files_total",
			Help: "Files accounted for by resolve calls",
		},
		[]string{"outcome"},
	)

	serverRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_resolver_server_requests_total",
			Help: "Asset server requests by method and status",
		},
		[]string{"method", "status"},
	)

	serverBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "model_resolver_server_bytes_total",
			Help: "Body bytes written by the asset server",
		},
	)
)

// MetricsHandler returns the Prometheus exposition handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
