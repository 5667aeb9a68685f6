// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockmgr

import (
	"fmt"
	"time"
)

// maxPossibleReplication caps MaxReplication; replica counts are carried in
// int16 fields.
const maxPossibleReplication = 1<<15 - 1

// Config encapsulates parameters for the BlockManager.
type Config struct {
	// Seed for the random number generator.
	Seed int64

	// MinReplication is the replica count below which a write is rejected
	// and a block cannot complete.
	MinReplication int16

	// MaxReplication is the largest replication factor a file may request.
	MaxReplication int16

	// DefaultReplication is used when a client doesn't ask for a factor.
	DefaultReplication int16

	// MaxReplicationStreams limits outbound replication transfers per node
	// for all but the highest priority work.
	MaxReplicationStreams int

	// ReplicationStreamsHardLimit caps outbound transfers per node
	// regardless of priority.
	ReplicationStreamsHardLimit int

	// ReplicationRecheckInterval is the ReplicationMonitor tick.
	ReplicationRecheckInterval time.Duration

	// PendingReplicationTimeout is how long a scheduled replication may
	// stay in flight before we assume it failed and reschedule.
	PendingReplicationTimeout time.Duration

	// BlocksReplWorkMultiplier scales how many under-replicated blocks one
	// monitor tick processes: liveNodes * multiplier.
	BlocksReplWorkMultiplier int

	// BlocksInvalidateWorkPct is the fraction of live nodes whose
	// invalidation queues one monitor tick drains.
	BlocksInvalidateWorkPct float64

	// BlockInvalidateLimit caps how many deletions are sent to one node per
	// tick.
	BlockInvalidateLimit int

	// StartupDelayBlockDeletion delays dispatch of a node's queued
	// deletions after its queue is first populated, so a master restart
	// can't trigger a mass delete from stale state.
	StartupDelayBlockDeletion time.Duration

	// MisreplicationBlocksPerIteration is the chunk size of the async
	// mis-replication scan; the write lock is released between chunks.
	MisreplicationBlocksPerIteration int

	// BlocksMapCapacity fixes the block map's slot count. Zero means size
	// it from system memory (about 2%).
	BlocksMapCapacity int

	// MaxNumBlocksToLog caps per-report logging of individual blocks.
	MaxNumBlocksToLog int

	// ReplicationDispatchRate paces replication command dispatch, in
	// transfers per second across the cluster. Zero means unpaced.
	ReplicationDispatchRate float64

	// --- Block access tokens ---
	BlockTokenEnable       bool
	BlockKeyUpdateInterval time.Duration
	BlockTokenLifetime     time.Duration

	// --- Transfer encryption ---
	EncryptDataTransfer     bool
	DataEncryptionAlgorithm string
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c *Config) Validate() error {
	if c.MinReplication < 1 {
		return fmt.Errorf("minimum replication %d must be at least 1", c.MinReplication)
	}
	if c.MaxReplication > maxPossibleReplication {
		return fmt.Errorf("maximum replication %d exceeds %d", c.MaxReplication, maxPossibleReplication)
	}
	if c.MinReplication > c.MaxReplication {
		return fmt.Errorf("minimum replication %d exceeds maximum %d", c.MinReplication, c.MaxReplication)
	}
	if c.DefaultReplication < c.MinReplication || c.DefaultReplication > c.MaxReplication {
		return fmt.Errorf("default replication %d outside [%d, %d]", c.DefaultReplication, c.MinReplication, c.MaxReplication)
	}
	if c.MaxReplicationStreams > c.ReplicationStreamsHardLimit {
		return fmt.Errorf("max replication streams %d exceeds hard limit %d", c.MaxReplicationStreams, c.ReplicationStreamsHardLimit)
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production environment.
var DefaultProdConfig = Config{
	// Seed for the random number generator.
	Seed: time.Now().UnixNano(),

	MinReplication:     1,
	MaxReplication:     512,
	DefaultReplication: 3,

	MaxReplicationStreams:       2,
	ReplicationStreamsHardLimit: 4,

	ReplicationRecheckInterval: 3 * time.Second,
	PendingReplicationTimeout:  5 * time.Minute,

	BlocksReplWorkMultiplier: 2,
	BlocksInvalidateWorkPct:  0.32,
	BlockInvalidateLimit:     1000,

	// Deletions are dispatched immediately by default; operators of large
	// clusters raise this before rolling restarts.
	StartupDelayBlockDeletion: 0,

	MisreplicationBlocksPerIteration: 10000,

	MaxNumBlocksToLog: 1000,

	ReplicationDispatchRate: 0,

	BlockTokenEnable:       false,
	BlockKeyUpdateInterval: 10 * time.Hour,
	BlockTokenLifetime:     10 * time.Hour,

	EncryptDataTransfer:     false,
	DataEncryptionAlgorithm: "",
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing environment.
var DefaultTestConfig = Config{
	// Seed for the random number generator.
	Seed: 31337,

	MinReplication:     1,
	MaxReplication:     512,
	DefaultReplication: 3,

	MaxReplicationStreams:       2,
	ReplicationStreamsHardLimit: 4,

	ReplicationRecheckInterval: 100 * time.Millisecond,
	PendingReplicationTimeout:  3 * time.Second,

	BlocksReplWorkMultiplier: 2,
	BlocksInvalidateWorkPct:  0.32,
	BlockInvalidateLimit:     100,

	StartupDelayBlockDeletion: 0,

	MisreplicationBlocksPerIteration: 16,

	BlocksMapCapacity: 1 << 12,

	MaxNumBlocksToLog: 1000,

	ReplicationDispatchRate: 0,

	BlockTokenEnable:       false,
	BlockKeyUpdateInterval: time.Hour,
	BlockTokenLifetime:     time.Hour,

	EncryptDataTransfer:     false,
	DataEncryptionAlgorithm: "",
}
