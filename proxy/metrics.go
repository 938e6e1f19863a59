package proxy

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
	prometheusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "proxy",
			Name:      "messages",
			Help:      "Counts domain messages exchanged with partner stores",
		},
		[]string{
			"type",
			"direction",
		},
	)

	prometheusRequestTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "proxy",
			Name:      "request_timeouts",
			Help:      "Counts requests whose reply did not arrive before the caller's deadline",
		},
		[]string{
			"type",
		},
	)
)

func init() {
	prometheus.MustRegister(prometheusMessages, prometheusRequestTimeouts)
}
