// Copyright 2025 The imagepipeline authors.
// SPDX-License-Identifier: Apache-2.0

package imagepipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"willnorris.com/go/imagepipeline/cache"
)

var (
	metricServedFromCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_served_from_cache",
			Help: "Number of requests served from cache, by tier.",
		}, []string{"tier"})
	metricNetworkFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_image_fetches",
		Help: "Total remote image fetches.",
	})
	metricCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_coalesced",
		Help: "Requests attached to an operation already in flight.",
	})
	metricFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_image_fetch_errors",
		Help: "Total image fetch failures",
	})
	metricDecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_decode_failures",
		Help: "Total images that could not be decoded or transformed.",
	})
	metricTransformationDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
	metricInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "operations_in_flight",
		Help: "Fetch and decode operations currently in flight.",
	})
	metricTierSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_size_bytes",
		Help: "Bytes held by each cache tier.",
	}, []string{"tier"})
	metricRequestDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "http",
		Name:      "response_time_seconds",
		Help:      "Request response times",
	})
)

func init() {
	prometheus.MustRegister(metricServedFromCache)
	prometheus.MustRegister(metricNetworkFetches)
	prometheus.MustRegister(metricCoalesced)
	prometheus.MustRegister(metricFetchErrors)
	prometheus.MustRegister(metricDecodeFailures)
	prometheus.MustRegister(metricTransformationDuration)
	prometheus.MustRegister(metricInflight)
	prometheus.MustRegister(metricTierSize)
	prometheus.MustRegister(metricRequestDuration)
}

func recordTierSizes(c *cache.Cache) {
	s := c.Stats()
	metricTierSize.WithLabelValues(cache.TierMemory.String()).Set(float64(s.MemorySize))
	metricTierSize.WithLabelValues(cache.TierDisk.String()).Set(float64(s.DiskSize))
}
