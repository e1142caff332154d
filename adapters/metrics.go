package adapters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	EndpointCameras      = "cameras"
	EndpointIntercoms    = "intercoms"
	EndpointScreenshot   = "screenshot"
	EndpointOpenIntercom = "open_intercom"

	CacheCameras   = "cameras"
	CacheIntercoms = "intercoms"
	CacheImages    = "images"

	InvalidationTokenNearExpiry = "token_near_expiry"
	InvalidationManual          = "manual"
)

type Metrics struct {
	UpstreamRequests     *prometheus.CounterVec
	UpstreamDuration     *prometheus.HistogramVec
	CacheRequests        *prometheus.CounterVec
	ListingInvalidations *prometheus.CounterVec
	ImageEvictions       prometheus.Counter
	HTTPRequests         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtkey",
			Name:      "upstream_requests_total",
			Help:      "Requests sent to the RT Key cloud API.",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rtkey",
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of requests sent to the RT Key cloud API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtkey",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		ListingInvalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtkey",
			Name:      "listing_invalidations_total",
			Help:      "Camera listing invalidations by reason.",
		}, []string{"reason"}),
		ImageEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rtkey",
			Name:      "image_evictions_total",
			Help:      "Cached camera images removed by their refresh timer.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtkey",
			Name:      "http_requests_total",
			Help:      "Requests served by the local HTTP API.",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) cacheHit(cache string) {
	m.CacheRequests.WithLabelValues(cache, "hit").Inc()
}

func (m *Metrics) cacheMiss(cache string) {
	m.CacheRequests.WithLabelValues(cache, "miss").Inc()
}
