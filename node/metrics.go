// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "shadow"
	metricsSubsystem = "node"
)

// metrics holds the per-node prometheus instrumentation.  Every node
// registers its own collectors against its own registry.
type metrics struct {
	messagesRelayed  prometheus.Counter
	bytesRelayed     prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	paymentsVerified prometheus.Counter
	pingsReceived    prometheus.Counter
	announcesAdded   prometheus.Counter
}

func newMetrics(registry prometheus.Registerer) *metrics {
	m := &metrics{
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_relayed_total",
			Help:      "Number of envelopes forwarded or delivered.",
		}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_relayed_total",
			Help:      "Number of envelope bytes forwarded or delivered.",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_dropped_total",
			Help:      "Number of envelopes dropped, by reason.",
		}, []string{"reason"}),
		paymentsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "payments_verified_total",
			Help:      "Number of relay payments verified.",
		}),
		pingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pings_received_total",
			Help:      "Number of pings answered.",
		}),
		announcesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "announces_added_total",
			Help:      "Number of peer announces accepted.",
		}),
	}
	registry.MustRegister(
		m.messagesRelayed,
		m.bytesRelayed,
		m.messagesDropped,
		m.paymentsVerified,
		m.pingsReceived,
		m.announcesAdded,
	)
	return m
}
