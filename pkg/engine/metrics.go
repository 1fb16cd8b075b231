/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Engine's Prometheus instrumentation. It is optional:
// an Engine built with nil Metrics simply skips recording.
type Metrics struct {
	StoresTotal     prometheus.Counter
	DedupDropsTotal prometheus.Counter
	FlushesTotal    prometheus.Counter
	QueryDuration   prometheus.Histogram
}

// NewMetrics registers the Engine's metrics against reg and returns the
// handles Store/Flush/Query use to record them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionlake",
			Name:      "stores_total",
			Help:      "Total number of accepted store operations.",
		}),
		DedupDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionlake",
			Name:      "dedup_drops_total",
			Help:      "Total number of store operations dropped by the dedup cache.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionlake",
			Name:      "flushes_total",
			Help:      "Total number of completed flush operations.",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "motionlake",
			Name:      "query_duration_seconds",
			Help:      "Duration of Query calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.StoresTotal, m.DedupDropsTotal, m.FlushesTotal, m.QueryDuration)
	return m
}
