// prometheus.go - Prometheus instrumentation.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument exposes onionswarm metrics to Prometheus.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onionswarm_onion_requests_total",
			Help: "Number of onion requests by outcome",
		},
		[]string{"outcome"},
	)
	nodesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onionswarm_nodes_dropped_total",
			Help: "Number of nodes dropped from the pool",
		},
	)
	pathsRebuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onionswarm_paths_built_total",
			Help: "Number of onion paths built",
		},
	)
	pathFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onionswarm_path_failures_total",
			Help: "Number of failures attributed to a whole path",
		},
	)
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onionswarm_swarm_polls_total",
			Help: "Number of swarm polls by mailbox kind",
		},
		[]string{"kind"},
	)
	messagesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onionswarm_messages_ingested_total",
			Help: "Number of new messages handed to ingestion",
		},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onionswarm_messages_sent_total",
			Help: "Number of outbound deliveries by result",
		},
		[]string{"result"},
	)
	pendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "onionswarm_pending_messages",
			Help: "Number of messages in the pending buffer",
		},
	)

	registry = prometheus.NewRegistry()
	initOnce sync.Once
)

// Init registers the metrics.
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			onionRequests,
			nodesDropped,
			pathsRebuilt,
			pathFailures,
			polls,
			messagesIngested,
			messagesSent,
			pendingMessages,
		)
	})
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// OnionRequest counts a finished onion request.
func OnionRequest(outcome string) {
	onionRequests.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// NodeDropped counts a node dropped from the pool.
func NodeDropped() {
	nodesDropped.Inc()
}

// PathBuilt counts a newly built path.
func PathBuilt() {
	pathsRebuilt.Inc()
}

// PathFailure counts a failure blamed on a whole path.
func PathFailure() {
	pathFailures.Inc()
}

// Poll counts a swarm poll.
func Poll(kind string) {
	polls.With(prometheus.Labels{"kind": kind}).Inc()
}

// MessagesIngested counts messages forwarded to ingestion.
func MessagesIngested(n int) {
	messagesIngested.Add(float64(n))
}

// MessageSent counts an outbound delivery result.
func MessageSent(result string) {
	messagesSent.With(prometheus.Labels{"result": result}).Inc()
}

// PendingMessages records the pending buffer size.
func PendingMessages(n int) {
	pendingMessages.Set(float64(n))
}
