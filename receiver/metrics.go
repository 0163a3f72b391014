// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "fmtp"

const (
	pathMulticast  = "multicast"
	pathRetransmit = "retransmit"
)

var (
	promPacketLabels = []string{"path", "type"}
	promPacketTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "packet",
		Name:      "total",
	}, promPacketLabels)
	promMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "packet",
		Name:      "malformed_total",
	})
	promRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "request",
		Name:      "total",
	}, []string{"kind"})
	promProductTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "product",
		Name:      "total",
	}, []string{"outcome"})
	promProductBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "product",
		Name:      "bytes_total",
	})
)

func init() {
	prometheus.MustRegister(
		promPacketTotal,
		promMalformedTotal,
		promRequestTotal,
		promProductTotal,
		promProductBytes,
	)
}
