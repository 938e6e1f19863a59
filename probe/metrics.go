package probe

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	prometheusRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "probe",
			Name:      "runs",
			Help:      "Counts probe runs by outcome",
		},
		[]string{
			"outcome",
		},
	)

	prometheusRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meshbase",
			Subsystem: "probe",
			Name:      "run_duration_seconds",
			Help:      "How long probe runs take including the merge into the shadow store",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)

	prometheusShadows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshbase",
			Subsystem: "probe",
			Name:      "shadows",
			Help:      "The number of open shadow stores",
		},
	)
)

func init() {
	prometheus.MustRegister(prometheusRuns, prometheusRunDuration, prometheusShadows)
}
