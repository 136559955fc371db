package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Derivations counts finished derivation passes by outcome (ok, failed)
	Derivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planimg",
		Name:      "derivations_total",
		Help:      "Number of derivation passes by outcome.",
	}, []string{"outcome"})

	DerivedImages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planimg",
		Name:      "derived_images_total",
		Help:      "Number of thumbnails created.",
	})

	// LinksCreated counts links by kind (permanent, expiring)
	LinksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planimg",
		Name:      "links_created_total",
		Help:      "Number of links created by kind.",
	}, []string{"kind"})

	// LinkResolutions counts link lookups by result (ok, not_found, expired, error)
	LinkResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planimg",
		Name:      "link_resolutions_total",
		Help:      "Number of link resolutions by result.",
	}, []string{"result"})

	ResizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planimg",
		Name:      "resize_duration_seconds",
		Help:      "Time spent resizing images.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"resizer"})

	ExpiredLinksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planimg",
		Name:      "expired_links_purged_total",
		Help:      "Number of expired links removed by the janitor.",
	})
)
