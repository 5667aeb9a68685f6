// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges are package level so that tests can build many managers without
// re-registering collectors; instances share them.
var (
	metricUnderReplicated = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "under_replicated_blocks"})
	metricMissing = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "missing_blocks"})
	metricPendingReplication = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "pending_replication_blocks"})
	metricCorrupt = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "corrupt_replica_blocks"})
	metricExcess = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "excess_blocks"})
	metricPendingDeletion = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "pending_deletion_blocks"})
	metricPostponed = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "postponed_misreplicated_blocks"})
	metricInitProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "blockmgr", Name: "repl_queues_init_progress"})

	metricScheduledReplications = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "blockmgr", Name: "scheduled_replications_total"})
	metricTimedOutReplications = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "blockmgr", Name: "timed_out_replications_total"})
	metricScheduledInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "blockmgr", Name: "scheduled_invalidations_total"})
)
