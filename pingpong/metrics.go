package pingpong

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
	prometheusTokensSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "endpoint",
			Name:      "tokens_sent",
			Help:      "Counts token frames handed to the transport by kind of timer that sent them",
		},
		[]string{
			"kind",
		},
	)

	prometheusDuplicateTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "endpoint",
			Name:      "duplicate_tokens",
			Help:      "Counts received tokens that were discarded because they had been seen before",
		},
	)

	prometheusSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "endpoint",
			Name:      "send_failures",
			Help:      "Counts token frames the transport failed to deliver",
		},
	)

	prometheusGrabs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshbase",
			Subsystem: "endpoint",
			Name:      "grab_requests",
			Help:      "Counts out of band requests for the token",
		},
	)
)

func init() {
	prometheus.MustRegister(prometheusTokensSent, prometheusDuplicateTokens, prometheusSendFailures, prometheusGrabs)
}
