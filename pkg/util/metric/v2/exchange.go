// Copyright 2021 - 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v2

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GlobalPoolTotalSegmentsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "global_pool_total_segments",
			Help:      "Total number of segments owned by the network buffer pool.",
		})

	GlobalPoolAvailableSegmentsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "global_pool_available_segments",
			Help:      "Number of segments not handed to any local buffer pool.",
		})

	LocalPoolsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "local_pools",
			Help:      "Number of registered local buffer pools.",
		})

	BufferRequestWaitDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "buffer_request_wait_duration_seconds",
			Help:      "Bucketed histogram of blocking buffer request wait duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2.0, 20),
		})

	managedMemoryPagesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "managed_memory_pages",
			Help:      "Pages of managed memory by state.",
		}, []string{"state"})
	ManagedMemoryAvailablePagesGauge = managedMemoryPagesGauge.WithLabelValues("available")
	ManagedMemoryTotalPagesGauge     = managedMemoryPagesGauge.WithLabelValues("total")
)

var (
	partitionBufferCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "buffers_total",
			Help:      "Total number of buffers passed through partitions and gates.",
		}, []string{"type"})
	BuffersProducedCounter = partitionBufferCounter.WithLabelValues("produced")
	BuffersConsumedCounter = partitionBufferCounter.WithLabelValues("consumed")

	PartitionRequestRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "partition_request_retries_total",
			Help:      "Total number of partition requests retried after the partition was not found.",
		})

	RegisteredPartitionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "registered_partitions",
			Help:      "Number of result partitions in the partition registry.",
		})
)

var (
	transportBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "network_bytes_total",
			Help:      "Total bytes of buffer payloads written to remote sessions.",
		}, []string{"type"})
	TransportRawBytesCounter        = transportBytesCounter.WithLabelValues("raw")
	TransportCompressedBytesCounter = transportBytesCounter.WithLabelValues("compressed")

	transportSessionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "exchange",
			Name:      "sessions",
			Help:      "Number of open remote sessions.",
		}, []string{"side"})
	TransportServerSessionGauge = transportSessionGauge.WithLabelValues("server")
	TransportClientSessionGauge = transportSessionGauge.WithLabelValues("client")
)

func initMemoryMetrics() {
	registry.MustRegister(GlobalPoolTotalSegmentsGauge)
	registry.MustRegister(GlobalPoolAvailableSegmentsGauge)
	registry.MustRegister(LocalPoolsGauge)
	registry.MustRegister(BufferRequestWaitDurationHistogram)
	registry.MustRegister(managedMemoryPagesGauge)
}

func initPartitionMetrics() {
	registry.MustRegister(partitionBufferCounter)
	registry.MustRegister(PartitionRequestRetryCounter)
	registry.MustRegister(RegisteredPartitionsGauge)
}

func initTransportMetrics() {
	registry.MustRegister(transportBytesCounter)
	registry.MustRegister(transportSessionGauge)
}
